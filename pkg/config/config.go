package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/devlaunch/pkg/launch"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = ".devlaunch.yaml"

const (
	DefaultUIStartCommand  = "streamlit run app.py"
	DefaultAPIStartCommand = "uvicorn fastapi_app:app --reload --host 0.0.0.0 --port 8000"
	DefaultDelaySeconds    = 3
	DefaultAPIURL          = "http://localhost:8000"
	DefaultDocsURL         = "http://localhost:8000/docs"
	DefaultUIPort          = 8501
	DefaultAPIPort         = 8000
	DefaultEnvFile         = ".env"
)

// DefaultUIURLs lists the primary UI port and the port the UI framework
// moves to when the first one is taken. Nothing detects which one is used.
var DefaultUIURLs = []string{"http://localhost:8501", "http://localhost:8502"}

var DefaultRequiredEnv = []string{"GEMINI_API_KEY"}

type File struct {
	UIStartCommand  string `json:"ui_start_command,omitempty" yaml:"ui_start_command,omitempty"`
	APIStartCommand string `json:"api_start_command,omitempty" yaml:"api_start_command,omitempty"`
	WorkingDir      string `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	// Pointer so that an explicit 0 disables the delay.
	InterLaunchDelaySeconds *int     `json:"inter_launch_delay_seconds,omitempty" yaml:"inter_launch_delay_seconds,omitempty"`
	UIURLs                  []string `json:"ui_urls,omitempty" yaml:"ui_urls,omitempty"`
	APIURL                  string   `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	DocsURL                 string   `json:"docs_url,omitempty" yaml:"docs_url,omitempty"`

	UIPort  int `json:"ui_port,omitempty" yaml:"ui_port,omitempty"`
	APIPort int `json:"api_port,omitempty" yaml:"api_port,omitempty"`

	Shell    string            `json:"shell,omitempty" yaml:"shell,omitempty"`
	Terminal []string          `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	EnvFile     string   `json:"env_file,omitempty" yaml:"env_file,omitempty"`
	RequiredEnv []string `json:"required_env,omitempty" yaml:"required_env,omitempty"`
}

func DefaultPath(workingDir string) string {
	return filepath.Join(workingDir, DefaultConfigFilename)
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	if cfg.WorkingDir != "" && !filepath.IsAbs(cfg.WorkingDir) {
		cfg.WorkingDir = filepath.Join(filepath.Dir(path), cfg.WorkingDir)
	}
	return &cfg, nil
}

func LoadOptional(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

// WithDefaults returns a copy of f where every unset field carries its
// default. WorkingDir has no default.
func (f File) WithDefaults() File {
	if f.UIStartCommand == "" {
		f.UIStartCommand = DefaultUIStartCommand
	}
	if f.APIStartCommand == "" {
		f.APIStartCommand = DefaultAPIStartCommand
	}
	if f.InterLaunchDelaySeconds == nil {
		d := DefaultDelaySeconds
		f.InterLaunchDelaySeconds = &d
	}
	if len(f.UIURLs) == 0 {
		f.UIURLs = append([]string{}, DefaultUIURLs...)
	}
	if f.APIURL == "" {
		f.APIURL = DefaultAPIURL
	}
	if f.DocsURL == "" {
		f.DocsURL = DefaultDocsURL
	}
	if f.UIPort == 0 {
		f.UIPort = DefaultUIPort
	}
	if f.APIPort == 0 {
		f.APIPort = DefaultAPIPort
	}
	if f.Shell == "" {
		f.Shell = launch.DefaultShell
	}
	if f.EnvFile == "" {
		f.EnvFile = DefaultEnvFile
	}
	if f.RequiredEnv == nil {
		f.RequiredEnv = append([]string{}, DefaultRequiredEnv...)
	}
	return f
}

func (f File) Validate() error {
	if f.WorkingDir == "" {
		return errors.New("working dir is required (--working-dir or working_dir in config)")
	}
	if !filepath.IsAbs(f.WorkingDir) {
		return errors.Errorf("working dir %q must be absolute", f.WorkingDir)
	}
	if strings.TrimSpace(f.UIStartCommand) == "" {
		return errors.New("ui_start_command is empty")
	}
	if strings.TrimSpace(f.APIStartCommand) == "" {
		return errors.New("api_start_command is empty")
	}
	if f.InterLaunchDelaySeconds != nil && *f.InterLaunchDelaySeconds < 0 {
		return errors.Errorf("inter_launch_delay_seconds must be >= 0, got %d", *f.InterLaunchDelaySeconds)
	}
	return nil
}

func (f File) Delay() time.Duration {
	if f.InterLaunchDelaySeconds == nil {
		return DefaultDelaySeconds * time.Second
	}
	return time.Duration(*f.InterLaunchDelaySeconds) * time.Second
}

// EnvFilePath resolves EnvFile against the working dir.
func (f File) EnvFilePath() string {
	if f.EnvFile == "" || filepath.IsAbs(f.EnvFile) {
		return f.EnvFile
	}
	return filepath.Join(f.WorkingDir, f.EnvFile)
}

// Plan applies defaults, validates and converts the config into the launch
// plan for one run.
func (f File) Plan() (launch.Plan, error) {
	f = f.WithDefaults()
	if err := f.Validate(); err != nil {
		return launch.Plan{}, err
	}
	return launch.Plan{
		UI: launch.ServiceSpec{
			Name:    "ui",
			Dir:     f.WorkingDir,
			Command: f.UIStartCommand,
			Port:    f.UIPort,
			Env:     f.Env,
		},
		API: launch.ServiceSpec{
			Name:    "api",
			Dir:     f.WorkingDir,
			Command: f.APIStartCommand,
			Port:    f.APIPort,
			Env:     f.Env,
		},
		Delay:   f.Delay(),
		UIURLs:  f.UIURLs,
		APIURL:  f.APIURL,
		DocsURL: f.DocsURL,
	}, nil
}
