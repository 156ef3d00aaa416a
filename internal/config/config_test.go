package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "esapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
tpm:
  use_simulator: true
  simulator_type: swtpm
  simulator_host: 127.0.0.1
  simulator_port: 2421
  max_objects: 3
logging:
  debug: true
metrics:
  enabled: true
keystore:
  path: /var/lib/esapi
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.TPM.UseSimulator)
	assert.Equal(t, "127.0.0.1", cfg.TPM.SimulatorHost)
	assert.Equal(t, 2421, cfg.TPM.SimulatorPort)
	assert.Equal(t, "/dev/tpmrm0", cfg.TPM.Device, "unset fields keep their defaults")
	assert.True(t, cfg.Logging.Debug)
	assert.True(t, cfg.Metrics.Enabled)

	e := cfg.ESYS()
	assert.Equal(t, 3, e.MaxObjects)
	assert.True(t, e.Debug)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope.yaml"), "failed to read config file"},
		{"bad yaml", writeConfig(t, "tpm: [unclosed"), "failed to parse config file"},
		{"invalid simulator", writeConfig(t, "tpm:\n  use_simulator: true\n  simulator_type: qemu\n"), "invalid configuration"},
		{"empty device", writeConfig(t, "tpm:\n  device: \"\"\n"), "Device is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ESAPI_DEVICE", "/dev/tpm0")
	t.Setenv("ESAPI_SIMULATOR", "true")
	t.Setenv("ESAPI_SIMULATOR_TYPE", "EMBEDDED")
	t.Setenv("ESAPI_SIMULATOR_PORT", "not-a-port")
	t.Setenv("ESAPI_DEBUG", "1")
	t.Setenv("ESAPI_KEYSTORE", "/tmp/ks")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/tpm0", cfg.TPM.Device)
	assert.True(t, cfg.TPM.UseSimulator)
	assert.Equal(t, "embedded", cfg.TPM.SimulatorType)
	assert.Equal(t, 2321, cfg.TPM.SimulatorPort, "invalid port is ignored")
	assert.True(t, cfg.Logging.Debug)
	assert.Equal(t, "/tmp/ks", cfg.KeyStore.Path)
}

func TestValidate_KeyStore(t *testing.T) {
	cfg := Default()
	cfg.KeyStore.Path = " "
	assert.ErrorContains(t, cfg.Validate(), "keystore path")
}
