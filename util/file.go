package util

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const maxConfigFileSize = 10 * 1024 * 1024

// ReadYAMLWithEnvSub reads a YAML config file into res after substituting the environment variables.
// The file is a Go template executed with the environment as data, e.g. {{ .RELAY_DOMAIN }}.
func ReadYAMLWithEnvSub(file string, res any) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	bs, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bs) > maxConfigFileSize {
		return fmt.Errorf("config file too large: maximum size is %d bytes", maxConfigFileSize)
	}

	t, err := template.New("").Option("missingkey=zero").Parse(string(bs))
	if err != nil {
		return fmt.Errorf("error parsing template: %v", err)
	}

	var output bytes.Buffer
	if err := t.Execute(&output, getEnvMap()); err != nil {
		return fmt.Errorf("error executing template: %v", err)
	}

	if err := yaml.Unmarshal(output.Bytes(), res); err != nil {
		return fmt.Errorf("failed parsing YAML file after template was executed, err: %v", err)
	}
	return nil
}

// getEnvMap converts the output of os.Environ() to a map
func getEnvMap() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if ok && key != "" {
			envMap[key] = value
		}
	}
	return envMap
}
