package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("EXPAND_HOST", "redis.internal")
	t.Setenv("EXPAND_PORT", "6380")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "single variable",
			in:   `host: "{{.EXPAND_HOST}}"`,
			want: `host: "redis.internal"`,
		},
		{
			name: "two variables on one line",
			in:   `addr: "{{.EXPAND_HOST}}:{{.EXPAND_PORT}}"`,
			want: `addr: "redis.internal:6380"`,
		},
		{
			name: "missing variable expands empty",
			in:   `key: "{{.EXPAND_DOES_NOT_EXIST}}"`,
			want: `key: ""`,
		},
		{
			name: "dollar signs pass through",
			in:   `cron: "0 3 * * *" # costs $5`,
			want: `cron: "0 3 * * *" # costs $5`,
		},
		{
			name: "no template syntax",
			in:   `plain: value`,
			want: `plain: value`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.in))))
		})
	}
}

func TestExpandEnv_MalformedTemplatePassesThrough(t *testing.T) {
	in := `broken: "{{.UNCLOSED"`
	assert.Equal(t, in, string(ExpandEnv([]byte(in))))
}
