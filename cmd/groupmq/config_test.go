package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execConfig runs a command that only loads its configuration.
func execConfig(t *testing.T, args ...string) (*config, error) {
	t.Helper()
	var cfg *config
	cmd := &cobra.Command{
		Use: "test",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = loadConfig(cmd)
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addConfigFlags(cmd)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return cfg, err
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := execConfig(t)
	require.NoError(t, err)
	assert.Equal(t, &config{
		Backend:        "redis",
		Namespace:      "default",
		RedisAddr:      "localhost:6379",
		RedisKeyPrefix: "groupmq",
	}, cfg)
}

func TestLoadConfigPrecedence(t *testing.T) {
	t.Setenv("GROUPMQ_NAMESPACE", "from-env")
	t.Setenv("GROUPMQ_REDIS_ADDR", "redis:6380")
	t.Setenv("GROUPMQ_REDIS_DB", "2")

	cfg, err := execConfig(t, "--redis-addr", "flag:6381")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Namespace)
	assert.Equal(t, "flag:6381", cfg.RedisAddr, "flags take precedence over the environment")
	assert.Equal(t, 2, cfg.RedisDB)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groupmq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: postgres\nnamespace: orders\npostgres-url: postgres://localhost/groupmq\n"), 0o600))

	cfg, err := execConfig(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Backend)
	assert.Equal(t, "orders", cfg.Namespace)
	assert.Equal(t, "postgres://localhost/groupmq", cfg.PostgresURL)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"unknown backend", []string{"--backend", "kafka"}},
		{"empty namespace", []string{"--namespace", ""}},
		{"postgres without url", []string{"--backend", "postgres"}},
		{"negative redis db", []string{"--redis-db", "-1"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := execConfig(t, c.args...)
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestFormatPayload(t *testing.T) {
	payload := []byte(`{"order":{"id":42,"items":["a","b"]}}`)
	assert.Equal(t, "42", formatPayload(payload, "order.id"))
	assert.Equal(t, "2", formatPayload(payload, "order.items.#"))
	assert.Equal(t, string(payload), formatPayload(payload, ""))
	assert.Equal(t, "not json", formatPayload([]byte("not json"), "order.id"))

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	s := formatPayload(long, "")
	assert.Len(t, s, maxPayloadWidth)
	assert.Equal(t, "...", s[len(s)-3:])
}
