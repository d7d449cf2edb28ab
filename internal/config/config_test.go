package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Len(t, cfg.Edge.Domains, 4)
	assert.Len(t, cfg.Edge.BackupDomains, 2)
	assert.Equal(t, 10*time.Second, cfg.Edge.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.RTM.HeartbeatInterval)
	assert.Equal(t, 10, cfg.RTM.HeartbeatMaxFailures)
	assert.Equal(t, 5, cfg.RTM.StartAttempts)
	assert.Equal(t, "https", cfg.RTM.Scheme)
	assert.Len(t, cfg.RTM.Paths, 1)
	assert.False(t, cfg.RTM.InsecureTLS)
	assert.Equal(t, 3*time.Second, cfg.Session.PingInterval)
	assert.True(t, cfg.Session.AutoSubscribe)
	assert.Equal(t, "shared", cfg.Stream.ControlMode)
	assert.Equal(t, 4, cfg.Stream.TurnMode)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte(`
server:
  port: 9090
vendor:
  app_id: "abc123"
stream:
  control_mode: exclusive
  turn_mode: 3
rtm:
  heartbeat_interval: 2s
  insecure_tls: true
devices:
  - id: "42"
    name: Feeder
    capabilities: [camera, turn_tcp]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("LIVECAM_VENDOR_APP_ID", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Vendor.AppID)
	assert.Equal(t, "exclusive", cfg.Stream.ControlMode)
	assert.Equal(t, 3, cfg.Stream.TurnMode)
	assert.Equal(t, 2*time.Second, cfg.RTM.HeartbeatInterval)
	assert.True(t, cfg.RTM.InsecureTLS)

	devices, err := cfg.DeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, domain.DeviceID("42"), devices[0].ID)
	assert.True(t, devices[0].Capabilities.Has(domain.CapCamera|domain.CapTurnTCP))
}

func TestDeviceListRejectsUnknownCapability(t *testing.T) {
	cfg := Config{Devices: []DeviceConfig{{ID: "1", Capabilities: []string{"laser"}}}}
	_, err := cfg.DeviceList()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Stream.ControlMode = "solo"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Stream.TurnMode = 7
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.RTM.Domains = nil
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Devices = []DeviceConfig{{ID: "1"}, {ID: "1"}}
	assert.Error(t, bad.Validate())
}
