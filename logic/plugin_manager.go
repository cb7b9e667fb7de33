package logic

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"

	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/sirupsen/logrus"

	"vcp-gateway/atc"
	dataforwarding "vcp-gateway/data-forwarding"
	"vcp-gateway/hal"
	"vcp-gateway/mqtt_broker"
	"vcp-gateway/plugin"
	"vcp-gateway/status"
	"vcp-gateway/tooltable"
)

// Plugin states as stored in plugin_states and published on
// <prefix>/states/<plugin>
const (
	Stopped      = "0 (stopped)"
	Running      = "1 (running)"
	Initializing = "2 (initializing)"
	Error        = "3 (error)"
)

// StatePublisher receives every plugin state change.
type StatePublisher interface {
	PublishState(pluginName, state string) error
}

// Manager builds the plugin registry from the configuration and runs the
// plugin lifecycle.
type Manager struct {
	cfg *Config
	db  *sql.DB

	Registry *plugin.Registry
	Tools    *tooltable.Store
	HAL      *hal.Plugin
	Status   *status.Plugin
	ATC      *atc.Controller
	Exporter *mqtt_broker.Exporter
	Broker   *MQTT.Server

	states  StatePublisher
	closers []func() error
}

func NewManager(cfg *Config, db *sql.DB) *Manager {
	return &Manager{cfg: cfg, db: db, Registry: plugin.NewRegistry()}
}

// BuildRegistry creates and registers all configured plugins. The exporter is
// registered last so that it sees every other plugin.
func (m *Manager) BuildRegistry(ctx context.Context) error {
	backend, err := m.toolBackend(ctx)
	if err != nil {
		return err
	}
	m.Tools = tooltable.New(tooltable.Config{
		Backend:       backend,
		SaveOnExit:    m.cfg.ToolTable.SaveOnExit,
		WatchInterval: m.cfg.ToolTable.WatchInterval,
	})
	if err := m.Registry.Register(m.Tools); err != nil {
		return err
	}

	m.HAL, err = hal.New(m.cfg.HAL.Pins, SourceOpener(m.cfg.Drivers))
	if err != nil {
		return err
	}
	if err := m.Registry.Register(m.HAL); err != nil {
		return err
	}

	if m.cfg.Status.Enabled {
		sampler, err := status.HostSampler()
		if err != nil {
			logrus.Warnf("PM: host metrics unavailable: %v", err)
		}
		m.Status = status.New(status.Config{Interval: m.cfg.Status.Interval}, sampler)
		if err := m.Registry.Register(m.Status); err != nil {
			return err
		}
	}

	if m.cfg.ATC.Enabled {
		mode, err := atc.ParseDirectionMode(m.cfg.ATC.DirectionMode)
		if err != nil {
			return err
		}
		m.ATC = atc.New(atc.Config{
			ParameterFile:        m.cfg.ATC.ParameterFile,
			PositionChannel:      m.cfg.ATC.PositionChannel,
			ToolTableChannel:     m.cfg.ATC.ToolTableChannel,
			PocketPreppedChannel: m.cfg.ATC.PocketPreppedChannel,
			Mode:                 mode,
		}, m.Registry, m.Tools)
		if err := m.Registry.Register(m.ATC); err != nil {
			return err
		}
	}

	if err := m.buildForwarder(); err != nil {
		return err
	}

	if m.Broker != nil {
		m.Exporter = mqtt_broker.NewExporter(mqtt_broker.ExporterConfig{Prefix: m.cfg.Broker.Prefix}, m.Broker, m.Registry)
		m.states = m.Exporter
		if err := m.Registry.Register(m.Exporter); err != nil {
			return err
		}
	}
	m.Registry.Observe(m.recordState)
	logrus.Infof("PM: %d plugins registered", len(m.Registry.Plugins()))
	return nil
}

func (m *Manager) toolBackend(ctx context.Context) (tooltable.Backend, error) {
	switch m.cfg.ToolTable.Backend {
	case "sqlite", "postgres":
		b, err := tooltable.OpenSQL(ctx, m.cfg.ToolTable.Backend, m.cfg.ToolTable.DSN)
		if err != nil {
			return nil, err
		}
		m.closers = append(m.closers, b.Close)
		return b, nil
	}
	return &tooltable.FileBackend{Path: m.cfg.ToolTable.File}, nil
}

func (m *Manager) buildForwarder() error {
	fc := m.cfg.Forwarder
	if m.HAL != nil {
		for _, ch := range m.HAL.ChangeLogged() {
			fc.LogChannels = append(fc.LogChannels, ch.URL())
		}
	}
	if !fc.Enabled && (fc.ChangeLog == "" || len(fc.LogChannels) == 0) {
		return nil
	}
	if !fc.Enabled {
		fc.Channels = nil
	}
	var sink dataforwarding.Sink
	if len(fc.Channels) > 0 {
		sink = dataforwarding.NewMqttSink(fc.MqttConfig)
	}
	f, err := dataforwarding.New(fc, m.Registry, sink)
	if err != nil {
		return err
	}
	return m.Registry.Register(f)
}

// StartBroker syncs the broker users and starts the embedded broker.
func (m *Manager) StartBroker() error {
	if !m.cfg.Broker.Enabled {
		logrus.Info("PM: embedded broker disabled")
		return nil
	}
	if err := SyncBrokerUsers(m.db, m.cfg.Broker.Users); err != nil {
		return fmt.Errorf("sync broker users: %w", err)
	}
	var tlsConfig *tls.Config
	for _, l := range m.cfg.Broker.Listeners {
		if !l.TLS {
			continue
		}
		cert, err := GenerateSelfSignedCert(m.cfg.Broker.TLSCert, m.cfg.Broker.TLSKey)
		if err != nil {
			return fmt.Errorf("broker certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		break
	}
	server, err := mqtt_broker.StartBroker(m.db, m.cfg.Broker.Config, tlsConfig)
	if err != nil {
		return err
	}
	m.Broker = server
	return nil
}

// StartAllPlugins marks every plugin as initializing and initialises them in
// registration order.
func (m *Manager) StartAllPlugins(ctx context.Context) error {
	logrus.Info("PM: Starting all plugins...")
	for _, p := range m.Registry.Plugins() {
		m.setState(p, Initializing, nil)
	}
	if err := m.Registry.InitialiseAll(ctx); err != nil {
		return err
	}
	logrus.Info("PM: All plugins started.")
	return nil
}

// StopAllPlugins terminates the plugins, then stops the broker and closes
// the tool table database.
func (m *Manager) StopAllPlugins() error {
	logrus.Info("PM: Stopping all plugins...")
	err := m.Registry.TerminateAll()
	// once the exporter is gone there is no broker left to take states
	m.states = nil
	if m.Broker != nil {
		mqtt_broker.StopBroker(m.Broker)
		m.Broker = nil
	}
	for _, c := range m.closers {
		if cerr := c(); cerr != nil {
			logrus.Errorf("PM: close: %v", cerr)
		}
	}
	m.closers = nil
	logrus.Info("PM: All plugins have been stopped.")
	return err
}

func (m *Manager) recordState(p plugin.Plugin, err error) {
	switch {
	case err != nil:
		m.setState(p, Error, err)
	case p.State() == plugin.Initialised:
		m.setState(p, Running, nil)
	default:
		m.setState(p, Stopped, nil)
	}
}

// setState stores the state in the database and publishes it.
func (m *Manager) setState(p plugin.Plugin, state string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if m.db != nil {
		_, err := m.db.Exec(`
			INSERT INTO plugin_states (name, protocol, status, error, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(name) DO UPDATE SET
				protocol = excluded.protocol,
				status = excluded.status,
				error = excluded.error,
				updated_at = excluded.updated_at`,
			p.Name(), p.Protocol(), state, msg)
		if err != nil {
			logrus.Errorf("PM: Error updating plugin state in the database: %v", err)
		}
	}
	if m.states != nil {
		if err := m.states.PublishState(p.Name(), state); err != nil {
			logrus.Errorf("PM: %v", err)
		}
	}
}

// PluginStates lists the recorded plugin states.
func (m *Manager) PluginStates() ([]PluginState, error) {
	rows, err := m.db.Query("SELECT name, protocol, status, error FROM plugin_states ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PluginState
	for rows.Next() {
		var s PluginState
		if err := rows.Scan(&s.Name, &s.Protocol, &s.Status, &s.Error); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
