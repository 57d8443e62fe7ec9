package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
username: "+70000000122"
password: secret
mqtt:
  broker: tcp://localhost:1883
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, "pikbridge", cfg.MQTT.ClientID)
	assert.Equal(t, DefaultDiscoveryPrefix, cfg.MQTT.DiscoveryPrefix)
	require.NotNil(t, cfg.MQTT.QoS)
	assert.Equal(t, 1, *cfg.MQTT.QoS)
	assert.Equal(t, byte(1), cfg.MQTT.QoSLevel())
	assert.Equal(t, "file", cfg.Session.Kind)
	assert.Equal(t, DefaultSessionPath, cfg.Session.Path)
	assert.Equal(t, 10, cfg.MaxCallSessionPages)

	assert.Equal(t, 3*time.Minute, cfg.IntercomsInterval())
	assert.Equal(t, 3*time.Minute, cfg.IotInterval())
	assert.Equal(t, 7*time.Second, cfg.LastCallSessionInterval())
	assert.Equal(t, 24*time.Hour, cfg.MetersInterval())
	assert.Equal(t, 24*time.Hour, cfg.ReauthInterval())
}

func TestIntervalClampingAndDisable(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
intervals:
  intercoms: 5
  last_call_session: 1
  meters: 0
  reauth: 60
`))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.IntercomsInterval(), "below the documented minimum")
	assert.Equal(t, 3*time.Second, cfg.LastCallSessionInterval())
	assert.Zero(t, cfg.MetersInterval(), "explicit zero disables the feed")
	assert.Equal(t, 2*time.Hour, cfg.ReauthInterval())
}

func TestExplicitQoSZeroKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
username: "+70000000122"
password: secret
mqtt:
  broker: tcp://localhost:1883
  qos: 0
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.MQTT.QoS)
	assert.Equal(t, 0, *cfg.MQTT.QoS, "explicit qos 0 must not be rewritten to the default")
	assert.Equal(t, byte(0), cfg.MQTT.QoSLevel())
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no username", "password: x\nmqtt: {broker: tcp://b}\n", "username"},
		{"no password", "username: x\nmqtt: {broker: tcp://b}\n", "password"},
		{"no broker", "username: x\npassword: y\n", "mqtt.broker"},
		{"short device id", minimalConfig + "device_id: abc\n", "device_id"},
		{"bad session kind", minimalConfig + "session_store: {kind: redis}\n", "session_store.kind"},
		{"s3 without bucket", minimalConfig + "session_store: {kind: s3, endpoint: s3.example.com}\n", "bucket"},
		{"influx without org", minimalConfig + "influx: {url: http://influx:8086, token: t}\n", "influx.org"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PIKBRIDGE_PASSWORD", "from-env")
	t.Setenv("PIKBRIDGE_MQTT_BROKER", "tcp://env-broker:1883")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Password)
	assert.Equal(t, "tcp://env-broker:1883", cfg.MQTT.Broker)
}
