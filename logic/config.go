package logic

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"vcp-gateway/atc"
	dataforwarding "vcp-gateway/data-forwarding"
	"vcp-gateway/hal"
	"vcp-gateway/mqtt_broker"
	"vcp-gateway/plugin"
)

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type DBConfig struct {
	// Path of the SQLite file holding broker users and plugin states
	Path string `yaml:"path" json:"path"`
}

type ToolTableConfig struct {
	// Backend is file, sqlite or postgres.
	Backend       string        `yaml:"backend" json:"backend"`
	File          string        `yaml:"file" json:"file"`
	DSN           string        `yaml:"dsn" json:"-"`
	SaveOnExit    bool          `yaml:"save_on_exit" json:"save_on_exit"`
	WatchInterval time.Duration `yaml:"watch_interval" json:"watch_interval"`
}

type ATCConfig struct {
	Enabled              bool   `yaml:"enabled" json:"enabled"`
	ParameterFile        string `yaml:"parameter_file" json:"parameter_file"`
	PositionChannel      string `yaml:"position_channel" json:"position_channel"`
	ToolTableChannel     string `yaml:"tooltable_channel" json:"tooltable_channel"`
	PocketPreppedChannel string `yaml:"pocket_prepped_channel" json:"pocket_prepped_channel"`
	DirectionMode        string `yaml:"direction_mode" json:"direction_mode"`
}

type S7Device struct {
	Address string        `yaml:"address" json:"address"`
	Rack    int           `yaml:"rack" json:"rack"`
	Slot    int           `yaml:"slot" json:"slot"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type OPCUADevice struct {
	Endpoint       string        `yaml:"endpoint" json:"endpoint"`
	SecurityMode   string        `yaml:"security_mode" json:"security_mode"`
	SecurityPolicy string        `yaml:"security_policy" json:"security_policy"`
	CertFile       string        `yaml:"cert_file" json:"cert_file"`
	KeyFile        string        `yaml:"key_file" json:"key_file"`
	Username       string        `yaml:"username" json:"username"`
	Password       string        `yaml:"password" json:"-"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

type ModbusDevice struct {
	Address  string        `yaml:"address" json:"address"`
	BaudRate int           `yaml:"baud_rate" json:"baud_rate"`
	Parity   string        `yaml:"parity" json:"parity"`
	SlaveID  byte          `yaml:"slave_id" json:"slave_id"`
	WordSwap bool          `yaml:"word_swap" json:"word_swap"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// DriversConfig names the devices HAL pins read from.
type DriversConfig struct {
	S7     map[string]S7Device     `yaml:"s7" json:"s7"`
	OPCUA  map[string]OPCUADevice  `yaml:"opcua" json:"opcua"`
	Modbus map[string]ModbusDevice `yaml:"modbus" json:"modbus"`
}

type HALConfig struct {
	Pins []hal.PinConfig `yaml:"pins" json:"pins"`
}

type BrokerUser struct {
	Username string         `yaml:"username" json:"username"`
	Password string         `yaml:"password" json:"-"`
	Allow    bool           `yaml:"allow" json:"allow"`
	Filters  map[string]int `yaml:"filters" json:"filters"`
}

type BrokerConfig struct {
	mqtt_broker.Config `yaml:",inline"`
	Users              []BrokerUser `yaml:"users" json:"users"`
	TLSCert            string       `yaml:"tls_cert" json:"tls_cert"`
	TLSKey             string       `yaml:"tls_key" json:"tls_key"`
}

type HTTPConfig struct {
	Port          int    `yaml:"port" json:"port"`
	SessionSecret string `yaml:"session_secret" json:"-"`
}

type StatusConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// Config is the whole vcp.yaml.
type Config struct {
	Log       LogConfig             `yaml:"log" json:"log"`
	DB        DBConfig              `yaml:"db" json:"db"`
	ToolTable ToolTableConfig       `yaml:"tooltable" json:"tooltable"`
	ATC       ATCConfig             `yaml:"atc" json:"atc"`
	HAL       HALConfig             `yaml:"hal" json:"hal"`
	Drivers   DriversConfig         `yaml:"drivers" json:"drivers"`
	Broker    BrokerConfig          `yaml:"broker" json:"broker"`
	Forwarder dataforwarding.Config `yaml:"forwarder" json:"forwarder"`
	HTTP      HTTPConfig            `yaml:"http" json:"http"`
	Status    StatusConfig          `yaml:"status" json:"status"`
}

// DefaultConfig returns the configuration used for everything vcp.yaml
// leaves out.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		DB:  DBConfig{Path: "./vcp_gateway.db"},
		ToolTable: ToolTableConfig{
			Backend:    "file",
			File:       "tool.tbl",
			SaveOnExit: true,
		},
		ATC: ATCConfig{
			PositionChannel:  "hal:carousel.position",
			ToolTableChannel: "tooltable:table",
			DirectionMode:    "literal",
		},
		Broker: BrokerConfig{
			Config: mqtt_broker.Config{
				Enabled: true,
				Prefix:  mqtt_broker.DefaultPrefix,
				Listeners: []mqtt_broker.ListenerConfig{
					{ID: "t1", Address: ":1883", Type: "tcp"},
				},
			},
		},
		Forwarder: dataforwarding.Config{Mode: string(dataforwarding.OnChange)},
		HTTP:      HTTPConfig{Port: 8080},
		Status:    StatusConfig{Enabled: true, Interval: time.Second},
	}
}

// LoadConfig reads .env, the YAML file at path and the VCP_* environment
// overrides, in this order. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logrus.Warnf("CFG: %s not found, using defaults", path)
		case err != nil:
			return nil, plugin.Wrap(plugin.ErrStorage, "load config", err)
		default:
			if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
				return nil, plugin.Wrap(plugin.ErrParse, "load config", err)
			}
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"VCP_LOG_LEVEL":      &c.Log.Level,
		"VCP_LOG_FORMAT":     &c.Log.Format,
		"VCP_DB_DSN":         &c.DB.Path,
		"VCP_TOOL_TABLE":     &c.ToolTable.File,
		"VCP_TOOL_BACKEND":   &c.ToolTable.Backend,
		"VCP_TOOL_DSN":       &c.ToolTable.DSN,
		"VCP_PARAMETER_FILE": &c.ATC.ParameterFile,
		"VCP_MQTT_PREFIX":    &c.Broker.Prefix,
		"VCP_FWD_BROKER":     &c.Forwarder.Broker,
		"VCP_FWD_USERNAME":   &c.Forwarder.Username,
		"VCP_FWD_PASSWORD":   &c.Forwarder.Password,
		"VCP_SESSION_SECRET": &c.HTTP.SessionSecret,
		"VCP_TLS_CERT":       &c.Broker.TLSCert,
		"VCP_TLS_KEY":        &c.Broker.TLSKey,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("VCP_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return plugin.Errorf(plugin.ErrParse, "config", "VCP_HTTP_PORT %q is not a number", v)
		}
		c.HTTP.Port = port
	}
	return nil
}

// Validate checks enums and ranges.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	switch c.ToolTable.Backend {
	case "file":
		if c.ToolTable.File == "" {
			errs = append(errs, errors.New("tooltable.file: missing"))
		}
	case "sqlite", "postgres":
		if c.ToolTable.DSN == "" {
			errs = append(errs, fmt.Errorf("tooltable.dsn: missing for %s", c.ToolTable.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("tooltable.backend: unknown backend %q", c.ToolTable.Backend))
	}

	if _, err := atc.ParseDirectionMode(c.ATC.DirectionMode); err != nil {
		errs = append(errs, fmt.Errorf("atc.direction_mode: %w", err))
	}
	if c.ATC.Enabled && c.ATC.ParameterFile == "" {
		errs = append(errs, errors.New("atc.parameter_file: missing"))
	}

	for _, pin := range c.HAL.Pins {
		if _, err := hal.ParsePinType(pin.Type); err != nil {
			errs = append(errs, fmt.Errorf("hal pin %s: %w", pin.Name, err))
		}
		if err := c.Drivers.check(pin); err != nil {
			errs = append(errs, fmt.Errorf("hal pin %s: %w", pin.Name, err))
		}
	}

	for _, l := range c.Broker.Listeners {
		switch l.Type {
		case "tcp", "websocket", "http":
		default:
			errs = append(errs, fmt.Errorf("broker listener %s: unknown type %q", l.ID, l.Type))
		}
	}
	for _, u := range c.Broker.Users {
		if u.Username == "" {
			errs = append(errs, errors.New("broker user without username"))
		}
		for topic, perm := range u.Filters {
			if perm < 0 || perm > 3 {
				errs = append(errs, fmt.Errorf("broker user %s: permission %d on %s out of range 0..3", u.Username, perm, topic))
			}
		}
	}

	if c.Forwarder.Enabled {
		if _, err := dataforwarding.ParseMode(c.Forwarder.Mode); err != nil {
			errs = append(errs, fmt.Errorf("forwarder.mode: %w", err))
		}
		if len(c.Forwarder.Channels) > 0 && c.Forwarder.Broker == "" {
			errs = append(errs, errors.New("forwarder.broker: missing"))
		}
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port: %d out of range", c.HTTP.Port))
	}
	if c.Status.Interval < 0 {
		errs = append(errs, errors.New("status.interval: negative"))
	}

	if len(errs) > 0 {
		return plugin.Wrap(plugin.ErrParse, "config", errors.Join(errs...))
	}
	return nil
}

// check verifies that a polled pin names a configured device.
func (d DriversConfig) check(pin hal.PinConfig) error {
	kind, device := splitSource(pin.Source)
	var names []string
	switch kind {
	case "", hal.Manual:
		return nil
	case "s7":
		names = deviceNames(d.S7)
	case "opcua":
		names = deviceNames(d.OPCUA)
	case "modbus":
		names = deviceNames(d.Modbus)
	default:
		return fmt.Errorf("unknown source %q", pin.Source)
	}
	if _, err := pickDevice(kind, device, names); err != nil {
		return err
	}
	if pin.Address == "" {
		return errors.New("missing address")
	}
	return nil
}

// splitSource splits "s7:plc1" into kind and device name.
func splitSource(source string) (kind, device string) {
	kind, device, _ = strings.Cut(source, ":")
	return strings.ToLower(kind), device
}

func deviceNames[V any](m map[string]V) []string {
	return plugin.SortedKeys(m)
}

// pickDevice resolves the device of a pin. Without a name the only device of
// that kind is used.
func pickDevice(kind, device string, names []string) (string, error) {
	if device == "" {
		if len(names) == 1 {
			return names[0], nil
		}
		return "", fmt.Errorf("source %s: %d devices configured, name one as %s:<device>", kind, len(names), kind)
	}
	for _, n := range names {
		if n == device {
			return n, nil
		}
	}
	return "", fmt.Errorf("source %s: unknown device %q", kind, device)
}
