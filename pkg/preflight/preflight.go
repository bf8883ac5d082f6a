// Package preflight runs advisory checks before services are launched. The
// results are informational: nothing here blocks a launch, and the services'
// own startup is never probed.
package preflight

import (
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Severity string

const (
	SeverityOK    Severity = "ok"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

type Finding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

type Options struct {
	WorkingDir string
	Shell      string
	// Commands maps a service name to its start command.
	Commands    map[string]string
	EnvFile     string
	RequiredEnv []string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

func Run(opts Options) []Finding {
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}

	var out []Finding
	out = append(out, checkWorkingDir(opts.WorkingDir))
	if opts.Shell != "" {
		out = append(out, checkShell(opts))
	}

	names := make([]string, 0, len(opts.Commands))
	for name := range opts.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, checkCommand(opts, name, opts.Commands[name]))
	}

	fileEnv, envFinding := checkEnvFile(opts.EnvFile)
	if envFinding != nil {
		out = append(out, *envFinding)
	}
	for _, key := range opts.RequiredEnv {
		out = append(out, checkRequiredKey(opts, fileEnv, key))
	}
	return out
}

func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

func checkWorkingDir(dir string) Finding {
	f := Finding{Check: "working-dir"}
	fi, err := os.Stat(dir)
	switch {
	case dir == "":
		f.Severity, f.Message = SeverityError, "working dir is not set"
	case err != nil:
		f.Severity, f.Message = SeverityError, err.Error()
	case !fi.IsDir():
		f.Severity, f.Message = SeverityError, dir+" is not a directory"
	default:
		f.Severity, f.Message = SeverityOK, dir
	}
	return f
}

func checkShell(opts Options) Finding {
	f := Finding{Check: "shell"}
	if p, err := opts.LookPath(opts.Shell); err != nil {
		f.Severity, f.Message = SeverityError, err.Error()
	} else {
		f.Severity, f.Message = SeverityOK, p
	}
	return f
}

// checkCommand resolves the program a start command runs. Leading VAR=value
// assignments are skipped.
func checkCommand(opts Options, name, command string) Finding {
	f := Finding{Check: "command:" + name}
	program := ""
	for _, field := range strings.Fields(command) {
		if strings.Contains(field, "=") && !strings.HasPrefix(field, "=") {
			continue
		}
		program = field
		break
	}
	if program == "" {
		f.Severity, f.Message = SeverityError, "empty start command"
		return f
	}
	p, err := opts.LookPath(program)
	if err != nil {
		f.Severity = SeverityWarn
		f.Message = program + " not found on PATH; the service will fail inside its own process"
		return f
	}
	f.Severity, f.Message = SeverityOK, p
	return f
}

func checkEnvFile(path string) (map[string]string, *Finding) {
	if path == "" {
		return nil, nil
	}
	env, err := LoadEnvFile(path)
	if err != nil {
		return nil, &Finding{Check: "env-file", Severity: SeverityWarn, Message: err.Error()}
	}
	return env, &Finding{Check: "env-file", Severity: SeverityOK, Message: path}
}

// checkRequiredKey never includes the value in its message.
func checkRequiredKey(opts Options, fileEnv map[string]string, key string) Finding {
	f := Finding{Check: "env:" + key}
	if v, ok := opts.LookupEnv(key); ok && v != "" {
		f.Severity, f.Message = SeverityOK, "set in environment"
		return f
	}
	if v := fileEnv[key]; v != "" {
		f.Severity, f.Message = SeverityOK, "set in env file"
		return f
	}
	f.Severity, f.Message = SeverityWarn, key+" is not set; services that need it will fail at request time"
	return f
}

// LoadEnvFile parses a dotenv file. Keys are returned upper-cased.
func LoadEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "stat env file")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read env file")
	}
	out := make(map[string]string, len(v.AllKeys()))
	for _, k := range v.AllKeys() {
		out[strings.ToUpper(k)] = v.GetString(k)
	}
	return out, nil
}
