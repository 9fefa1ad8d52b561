package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

// VariableNotFound is returned when a placeholder cannot be resolved.
type VariableNotFound struct {
	VariableName string
}

func (e *VariableNotFound) Error() string {
	return fmt.Sprintf(
		"Variable %q referenced in configuration not found. "+
			"Please add it to the environment, an env file or the variables section.",
		e.VariableName,
	)
}

// VariablesConfig is the interface for any variable-loading strategy.
type VariablesConfig interface {
	// Load returns all variables available from this source.
	Load() (map[string]string, error)
	// Get returns a single variable value or an error if not present.
	Get(key string) (string, error)
}

// DotEnv implements VariablesConfig by reading a .env file. The file is read once.
type DotEnv struct {
	EnvFilePath string
	vars        map[string]string
}

func NewDotEnv(path string) *DotEnv {
	return &DotEnv{EnvFilePath: path}
}

// Load reads the .env file and returns a map of key to value.
func (d *DotEnv) Load() (map[string]string, error) {
	if d.vars != nil {
		return d.vars, nil
	}
	vars, err := godotenv.Read(d.EnvFilePath)
	if err != nil {
		return nil, err
	}
	d.vars = vars
	return vars, nil
}

// Get loads the file and looks up a single key.
func (d *DotEnv) Get(key string) (string, error) {
	vars, err := d.Load()
	if err != nil {
		return "", err
	}
	if val, ok := vars[key]; ok {
		return val, nil
	}
	return "", &VariableNotFound{VariableName: key}
}

// Resolver looks variables up in inline values, then loaders, then the process environment.
type Resolver struct {
	Variables map[string]string
	Loaders   []VariablesConfig
}

var placeholder = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)`)

// Get resolves one variable.
func (r *Resolver) Get(key string) (string, error) {
	if v, ok := r.Variables[key]; ok {
		return v, nil
	}
	for _, loader := range r.Loaders {
		if val, err := loader.Get(key); err == nil && val != "" {
			return val, nil
		}
	}
	if env := os.Getenv(key); env != "" {
		return env, nil
	}
	return "", &VariableNotFound{VariableName: key}
}

// Replace substitutes placeholders in every string inside x. The first unresolved
// variable aborts with *VariableNotFound.
func (r *Resolver) Replace(x any) (any, error) {
	switch v := x.(type) {
	case string:
		var firstErr error
		out := placeholder.ReplaceAllStringFunc(v, func(match string) string {
			g := placeholder.FindStringSubmatch(match)
			name := g[1]
			if name == "" {
				name = g[2]
			}
			val, err := r.Get(name)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return match
			}
			return val
		})
		return out, firstErr
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			sub, err := r.Replace(e)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i, e := range v {
			sub, err := r.Replace(e)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			sub, err := r.Replace(e)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	default:
		return x, nil
	}
}
