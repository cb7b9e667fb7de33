// Package mqtt_broker runs the embedded MQTT broker and exports every
// registry channel onto it.
package mqtt_broker

import (
	"crypto/tls"
	"database/sql"
	"fmt"

	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

type ListenerConfig struct {
	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
	Type    string `yaml:"type" json:"type"`
	TLS     bool   `yaml:"tls" json:"tls"`
}

type Config struct {
	Enabled   bool             `yaml:"enabled" json:"enabled"`
	Prefix    string           `yaml:"prefix" json:"prefix"`
	Listeners []ListenerConfig `yaml:"listeners" json:"listeners"`
}

// StartBroker builds the broker synchronously and runs the blocking Serve
// loop in the background. tlsConfig is only used by listeners with tls: true.
func StartBroker(db *sql.DB, cfg Config, tlsConfig *tls.Config) (*MQTT.Server, error) {
	authData, err := loadAuthDataFromDB(db)
	if err != nil {
		return nil, fmt.Errorf("load auth data: %w", err)
	}

	s := MQTT.New(&MQTT.Options{
		InlineClient: true,
	})
	if err := s.AddHook(new(auth.Hook), &auth.Options{Data: authData}); err != nil {
		return nil, fmt.Errorf("add auth hook: %w", err)
	}
	if err := createListeners(s, cfg.Listeners, tlsConfig); err != nil {
		s.Close()
		return nil, err
	}

	go func() {
		if err := s.Serve(); err != nil {
			logrus.Errorf("MQTT-Broker: Serve error: %v", err)
		}
	}()
	logrus.Infof("MQTT-Broker: started with %d listeners", len(cfg.Listeners))
	return s, nil
}

// StopBroker stops the MQTT broker
func StopBroker(s *MQTT.Server) {
	if s == nil {
		logrus.Info("MQTT-Broker: not running.")
		return
	}
	if err := s.Close(); err != nil {
		logrus.Errorf("MQTT-Broker: close: %v", err)
		return
	}
	logrus.Info("MQTT-Broker: stopped.")
}

func createListeners(server *MQTT.Server, configs []ListenerConfig, tlsConfig *tls.Config) error {
	for _, listener := range configs {
		lc := listeners.Config{
			ID:        listener.ID,
			Address:   listener.Address,
			TLSConfig: getTLSConfig(listener.TLS, tlsConfig),
		}
		if listener.TLS && tlsConfig == nil {
			return fmt.Errorf("listener %s: tls requested but no certificate configured", listener.ID)
		}

		var l listeners.Listener
		switch listener.Type {
		case "tcp":
			l = listeners.NewTCP(lc)
		case "websocket":
			l = listeners.NewWebsocket(lc)
		case "http":
			l = listeners.NewHTTPStats(lc, server.Info)
		default:
			logrus.Warnf("MQTT-Broker: unknown listener type %q", listener.Type)
			continue
		}
		if err := server.AddListener(l); err != nil {
			return fmt.Errorf("listener %s: %w", listener.ID, err)
		}
	}
	return nil
}

func getTLSConfig(tlsRequired bool, tlsConfig *tls.Config) *tls.Config {
	if tlsRequired {
		return tlsConfig
	}
	return nil
}

// loadAuthDataFromDB renders the auth and acl tables as the YAML ledger of
// the auth hook.
func loadAuthDataFromDB(db *sql.DB) ([]byte, error) {
	rows, err := db.Query("SELECT username, password, allow FROM auth ORDER BY username")
	if err != nil {
		return nil, err
	}
	type user struct {
		username, password string
		allow              bool
	}
	var users []user
	for rows.Next() {
		var u user
		if err := rows.Scan(&u.username, &u.password, &u.allow); err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var authRules []map[string]interface{}
	var acl []map[string]interface{}
	for _, u := range users {
		authRules = append(authRules, map[string]interface{}{
			"username": u.username,
			"password": u.password,
			"allow":    u.allow,
		})

		filters, err := loadFilters(db, u.username)
		if err != nil {
			return nil, err
		}
		acl = append(acl, map[string]interface{}{
			"username": u.username,
			"filters":  filters,
		})
	}

	data := map[string]interface{}{
		"auth": authRules,
		"acl":  acl,
	}
	return yaml.Marshal(data)
}

func loadFilters(db *sql.DB, username string) (map[string]int, error) {
	rows, err := db.Query("SELECT topic, permission FROM acl WHERE username = ?", username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	filters := make(map[string]int)
	for rows.Next() {
		var topic string
		var permission int
		if err := rows.Scan(&topic, &permission); err != nil {
			return nil, err
		}
		filters[topic] = permission
	}
	return filters, rows.Err()
}
