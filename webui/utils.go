package webui

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"vcp-gateway/plugin"
)

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, plugin.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, plugin.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, plugin.ErrParse):
		return http.StatusBadRequest
	case errors.Is(err, plugin.ErrInvariant), errors.Is(err, plugin.ErrCapacity):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		logrus.Errorf("API: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// rowParam reads the :row parameter.
func rowParam(c *gin.Context) (int, error) {
	row, err := strconv.Atoi(c.Param("row"))
	if err != nil || row < 0 {
		return 0, plugin.Errorf(plugin.ErrParse, "row", "invalid row %q", c.Param("row"))
	}
	return row, nil
}

// valueBody is the request body of every write: {"value": ...}.
type valueBody struct {
	Value any `json:"value"`
}

func bindValue(c *gin.Context) (any, error) {
	var body valueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, plugin.Wrap(plugin.ErrParse, "decode body", err)
	}
	return body.Value, nil
}

func generateRandomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func gracefulShutdown(conn *websocket.Conn) {
	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		logrus.Debugf("API: closing websocket: %v", err)
	}
	conn.Close()
}
