package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax ({{.VAR_NAME}}). Plain $ stays untouched so cron expressions,
// passwords, and URL fragments survive verbatim.
//
// Examples:
//   - api_key: "{{.ANTHROPIC_API_KEY}}" → the variable's value
//   - uri: "mongodb://{{.MONGO_HOST}}:{{.MONGO_PORT}}" → both expanded
//
// Missing variables expand to empty string; the validator catches required
// fields that end up empty. Malformed templates pass the original bytes
// through so the YAML parser produces the error message.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.IndexByte(env, '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
