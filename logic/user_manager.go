// USER MANAGEMENT FOR THE MQTT BROKER
package logic

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// addUser adds a user together with its ACL. Existing users are left
// unchanged.
func addUser(db execer, username, password string, allow bool, filters Filters) error {
	exists, err := userExists(db, username)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if _, err := db.Exec("INSERT INTO auth (username, password, allow) VALUES (?, ?, ?)", username, password, allow); err != nil {
		return err
	}
	for topic, permission := range filters {
		if _, err := db.Exec("INSERT INTO acl (username, topic, permission) VALUES (?, ?, ?)", username, topic, permission); err != nil {
			return err
		}
	}
	return nil
}

// deleteUser removes a user from the database
func deleteUser(db execer, username string) error {
	if _, err := db.Exec("DELETE FROM acl WHERE username = ?", username); err != nil {
		return err
	}
	_, err := db.Exec("DELETE FROM auth WHERE username = ?", username)
	return err
}

func userExists(db execer, username string) (bool, error) {
	var userCount int
	err := db.QueryRow("SELECT COUNT(*) FROM auth WHERE username = ?", username).Scan(&userCount)
	if err != nil {
		return false, err
	}
	return userCount > 0, nil
}

// genRandomPW generates a random password
func genRandomPW() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		logrus.Fatal(err)
	}
	return base64.URLEncoding.EncodeToString(b)
}

// SyncBrokerUsers replaces the broker users with the configured ones.
// Without configured users only the admin account is ensured.
func SyncBrokerUsers(db *sql.DB, users []BrokerUser) error {
	if len(users) == 0 {
		return AddAdminUser(db)
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM acl"); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM auth"); err != nil {
		return err
	}
	for _, u := range users {
		if err := addUser(tx, u.Username, u.Password, u.Allow, u.Filters); err != nil {
			return fmt.Errorf("broker user %s: %w", u.Username, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logrus.Infof("PM: %d broker users configured", len(users))
	return nil
}

// AddAdminUser creates the user "admin" with full access and a random
// password when it is missing.
func AddAdminUser(db *sql.DB) error {
	username := "admin"
	exists, err := userExists(db, username)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	password := genRandomPW()
	filters := Filters{
		"#": 3, // full access to every topic
	}
	if err := addUser(db, username, password, true, filters); err != nil {
		deleteUser(db, username)
		return fmt.Errorf("failed to create user for admin: %v", err)
	}
	logrus.Warnf("PM: created broker user admin with password %s", password)
	return nil
}
