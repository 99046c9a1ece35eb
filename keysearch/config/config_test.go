package config_test

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-keysearch/keysearch/config"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// newTestLogger creates a discard logger for tests.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Helper function to create a temporary YAML config file for tests.
func createTempYAML(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)

	_, err = tmpfile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	return tmpfile.Name()
}

func TestLoadFromFile(t *testing.T) {
	baseYAML := `
run_mode: "local"
project_id: "yaml-project"
http_listen_addr: ":8081"
cors:
  allowed_origins:
    - "http://yaml-origin.com"
mirror:
  driver: memory
servers:
  - name: openpgp
    protocol: hkps
    host: keys.openpgp.org
  - name: corp
    protocol: ldap
    host: ldap.corp.example
    bind_dn: "cn=reader,dc=corp,dc=example"
    timeout: 3s
  - name: local
    protocol: mirror
    enabled: false
`
	logger := newTestLogger()

	t.Run("Success - Loads from YAML and Env Vars", func(t *testing.T) {
		// Arrange
		yamlPath := createTempYAML(t, baseYAML)
		t.Setenv("GCP_PROJECT_ID", "env-project")
		t.Setenv("KEYSEARCH_LDAP_BIND_PASSWORD", "s3cret")

		// Act
		cfg, err := config.LoadFromFile(yamlPath, logger)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "local", cfg.RunMode)
		assert.Equal(t, ":8081", cfg.HTTPListenAddr)
		assert.Equal(t, "env-project", cfg.ProjectID)
		assert.Equal(t, []string{"http://yaml-origin.com"}, cfg.Cors.AllowedOrigins)

		eps := cfg.Endpoints()
		require.Len(t, eps, 3)
		assert.Equal(t, keysearch.Endpoint{
			Name: "openpgp", Protocol: keysearch.ProtocolHKPS, Host: "keys.openpgp.org",
			Port: 443, TLS: true, Timeout: config.DefaultTimeout, Enabled: true,
		}, eps[0])
		assert.Equal(t, 389, eps[1].Port)
		assert.Equal(t, 3*time.Second, eps[1].Timeout)
		assert.Equal(t, "s3cret", eps[1].BindPassword)
		assert.False(t, eps[2].Enabled)
	})

	t.Run("Failure - Missing config file", func(t *testing.T) {
		cfg, err := config.LoadFromFile("non-existent-file.yaml", logger)

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("Failure - Malformed YAML", func(t *testing.T) {
		malformedYAML := `
run_mode: "local"
project_id: "yaml-project"
  http_listen_addr: ":8081" # <-- Bad indentation
`
		yamlPath := createTempYAML(t, malformedYAML)

		cfg, err := config.LoadFromFile(yamlPath, logger)

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "failed to parse YAML config")
	})

	t.Run("Failure - Bad timeout", func(t *testing.T) {
		yamlPath := createTempYAML(t, `
servers:
  - name: broken
    protocol: hkp
    host: example.org
    timeout: soon
`)

		_, err := config.LoadFromFile(yamlPath, logger)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid timeout")
	})
}
