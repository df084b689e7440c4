package config

import (
	"io"
	"os"
	"strings"

	"github.com/g1879/datarecorder/pkg/pathutil"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"gopkg.in/yaml.v3"
)

// Load loads a configuration from a YAML file
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", filePath)
	}

	// Substitute environment variables
	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeConfig, "failed to parse YAML").
			WithDetail("path", filePath)
	}

	return nil
}

// LoadRecorderConfig reads a RecorderConfig on top of the defaults and
// validates it.
func LoadRecorderConfig(filePath string) (*RecorderConfig, error) {
	cfg := NewRecorderConfig("")
	if err := Load(filePath, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeConfig, "failed to marshal YAML")
	}

	err = pathutil.WriteFileAtomic(filePath, 0o644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to write config file").
			WithDetail("path", filePath)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// ${VAR_NAME:-default} falls back to default when VAR_NAME is unset or empty.
func substituteEnvVars(content string) string {
	var out strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		var fallback string
		if i := strings.Index(varName, ":-"); i >= 0 {
			varName, fallback = varName[:i], varName[i+2:]
		}
		envValue := os.Getenv(varName)
		if envValue == "" {
			envValue = fallback
		}
		out.WriteString(content[:start])
		out.WriteString(envValue)
		content = content[end+1:]
	}
	out.WriteString(content)
	return out.String()
}
