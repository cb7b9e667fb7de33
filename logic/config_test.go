package logic

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcp-gateway/hal"
	"vcp-gateway/plugin"
)

const sampleConfig = `
log:
  level: debug
  format: text
tooltable:
  backend: file
  file: /var/lib/vcp/tool.tbl
  watch_interval: 2s
atc:
  enabled: true
  parameter_file: /var/lib/vcp/linuxcnc.var
  pocket_prepped_channel: status:pocket_prepped
  direction_mode: corrected
hal:
  pins:
    - name: carousel.position
      type: float
      source: s7
      address: DB10.DBD0:REAL
      interval: 50ms
    - name: spindle.speed
      source: modbus:vfd
      address: holding:3:uint16:0.1
      log_change: true
    - name: feed-override
drivers:
  s7:
    plc1: {address: "10.0.0.5:102", rack: 0, slot: 1}
  modbus:
    vfd: {address: /dev/ttyUSB0, baud_rate: 19200, parity: E, slave_id: 2}
broker:
  prefix: mill
  listeners:
    - {id: t1, address: ":1883", type: tcp}
    - {id: ws, address: ":1882", type: websocket}
  users:
    - username: panel
      password: s3cret
      allow: true
      filters: {"mill/#": 3}
forwarder:
  enabled: true
  broker: tcp://cloud:1883
  channels: [hal:spindle.speed]
  mode: cyclic
  interval: 10s
  change_log: /var/log/vcp/changes.log
http:
  port: 9090
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.ToolTable.WatchInterval)
	assert.True(t, cfg.ToolTable.SaveOnExit, "default kept")
	assert.Equal(t, "corrected", cfg.ATC.DirectionMode)
	assert.Equal(t, "hal:carousel.position", cfg.ATC.PositionChannel, "default kept")

	require.Len(t, cfg.HAL.Pins, 3)
	assert.Equal(t, 50*time.Millisecond, cfg.HAL.Pins[0].Interval)
	assert.True(t, cfg.HAL.Pins[1].LogChange)
	assert.Equal(t, 1, cfg.Drivers.S7["plc1"].Slot)
	assert.Equal(t, byte(2), cfg.Drivers.Modbus["vfd"].SlaveID)

	assert.Equal(t, "mill", cfg.Broker.Prefix)
	assert.True(t, cfg.Broker.Enabled)
	assert.Len(t, cfg.Broker.Listeners, 2)
	assert.Equal(t, 3, cfg.Broker.Users[0].Filters["mill/#"])

	assert.Equal(t, "tcp://cloud:1883", cfg.Forwarder.Broker)
	assert.Equal(t, 10*time.Second, cfg.Forwarder.Interval)
	assert.Equal(t, 9090, cfg.HTTP.Port)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "tooltabel:\n  file: x\n"))
	assert.ErrorIs(t, err, plugin.ErrParse)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VCP_TOOL_TABLE", "/tmp/other.tbl")
	t.Setenv("VCP_HTTP_PORT", "8181")
	t.Setenv("VCP_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.tbl", cfg.ToolTable.File)
	assert.Equal(t, 8181, cfg.HTTP.Port)
	assert.Equal(t, "warn", cfg.Log.Level)

	cfg = DefaultConfig()
	err = cfg.applyEnv(func(key string) string {
		if key == "VCP_HTTP_PORT" {
			return "eighty"
		}
		return ""
	})
	assert.ErrorIs(t, err, plugin.ErrParse)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"log level":      func(c *Config) { c.Log.Level = "loud" },
		"log format":     func(c *Config) { c.Log.Format = "xml" },
		"backend":        func(c *Config) { c.ToolTable.Backend = "csv" },
		"sql dsn":        func(c *Config) { c.ToolTable.Backend = "postgres" },
		"direction":      func(c *Config) { c.ATC.DirectionMode = "sideways" },
		"atc params":     func(c *Config) { c.ATC.Enabled = true },
		"pin type":       func(c *Config) { c.HAL.Pins = []hal.PinConfig{{Name: "a", Type: "u64"}} },
		"pin source":     func(c *Config) { c.HAL.Pins = []hal.PinConfig{{Name: "a", Source: "profibus"}} },
		"pin device":     func(c *Config) { c.HAL.Pins = []hal.PinConfig{{Name: "a", Source: "s7", Address: "MW0"}} },
		"listener":       func(c *Config) { c.Broker.Listeners[0].Type = "udp" },
		"permission":     func(c *Config) { c.Broker.Users = []BrokerUser{{Username: "u", Filters: map[string]int{"#": 7}}} },
		"forward mode":   func(c *Config) { c.Forwarder.Enabled, c.Forwarder.Mode = true, "often" },
		"forward broker": func(c *Config) { c.Forwarder.Enabled, c.Forwarder.Channels = true, []string{"hal:a"} },
		"port":           func(c *Config) { c.HTTP.Port = 70000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), plugin.ErrParse)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestPickDevice(t *testing.T) {
	name, err := pickDevice("s7", "", []string{"plc1"})
	require.NoError(t, err)
	assert.Equal(t, "plc1", name)

	_, err = pickDevice("s7", "", []string{"plc1", "plc2"})
	assert.Error(t, err)
	name, err = pickDevice("s7", "plc2", []string{"plc1", "plc2"})
	require.NoError(t, err)
	assert.Equal(t, "plc2", name)
	_, err = pickDevice("s7", "plc3", []string{"plc1", "plc2"})
	assert.Error(t, err)

	kind, device := splitSource("Modbus:VFD")
	assert.Equal(t, "modbus", kind)
	assert.Equal(t, "VFD", device)
}
