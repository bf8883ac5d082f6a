package cmds

import (
	"path/filepath"
	"time"

	"github.com/go-go-golems/devlaunch/pkg/config"
	"github.com/go-go-golems/devlaunch/pkg/launch"
	"github.com/go-go-golems/devlaunch/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootOptions struct {
	WorkingDir string
	Config     string
	Timeout    time.Duration
}

func AddRootFlags(root *cobra.Command) {
	addRootFlags(root.PersistentFlags())
}

func addRootFlags(fs *pflag.FlagSet) {
	fs.String("working-dir", "", "Directory the services run in (required unless set in --config)")
	fs.String("config", "", "Path to config file (defaults to .devlaunch.yaml under working-dir)")
	fs.Duration("timeout", 10*time.Second, "Timeout for stopping services")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	fs := cmd.Root().PersistentFlags()

	workingDir, err := fs.GetString("working-dir")
	if err != nil {
		return rootOptions{}, err
	}
	if workingDir != "" {
		workingDir, err = filepath.Abs(workingDir)
		if err != nil {
			return rootOptions{}, err
		}
	}

	cfgPath, err := fs.GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath != "" {
		cfgPath, err = filepath.Abs(cfgPath)
		if err != nil {
			return rootOptions{}, err
		}
	}

	timeout, err := fs.GetDuration("timeout")
	if err != nil {
		return rootOptions{}, err
	}
	if timeout <= 0 {
		return rootOptions{}, errors.New("timeout must be > 0")
	}

	return rootOptions{
		WorkingDir: workingDir,
		Config:     cfgPath,
		Timeout:    timeout,
	}, nil
}

// loadConfig resolves the config file and applies --working-dir on top of
// it. The result has defaults applied and is validated.
func loadConfig(opts rootOptions) (config.File, error) {
	var cfg *config.File
	var err error
	switch {
	case opts.Config != "":
		cfg, err = config.LoadFromFile(opts.Config)
	case opts.WorkingDir != "":
		cfg, err = config.LoadOptional(config.DefaultPath(opts.WorkingDir))
	default:
		return config.File{}, errors.New("working dir is required (--working-dir or --config with working_dir)")
	}
	if err != nil {
		return config.File{}, err
	}
	if opts.WorkingDir != "" {
		cfg.WorkingDir = opts.WorkingDir
	}
	f := cfg.WithDefaults()
	if err := f.Validate(); err != nil {
		return config.File{}, err
	}
	return f, nil
}

// workingDirOnly is for commands that only read state and do not need a
// launchable config.
func workingDirOnly(opts rootOptions) (string, error) {
	if opts.WorkingDir != "" {
		return opts.WorkingDir, nil
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return "", err
	}
	return cfg.WorkingDir, nil
}

type stateRecorder struct {
	workingDir string
}

var _ launch.Recorder = (*stateRecorder)(nil)

func (r *stateRecorder) Record(runID string, res launch.LaunchResult) error {
	return state.Append(r.workingDir, state.LaunchRecord{
		RunID:     runID,
		Service:   res.Service.Name,
		PID:       res.PID(),
		Command:   res.Service.Command,
		Dir:       res.Service.Dir,
		Port:      res.Service.Port,
		Env:       res.Service.Env,
		StdoutLog: res.StdoutLog,
		StderrLog: res.StderrLog,
		StartedAt: res.At,

		StartTicks: res.StartTicks,
	})
}
