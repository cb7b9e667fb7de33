package webui

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vcp-gateway/logic"
)

const confirmKey = "confirm_actions"

// Preferences are kept per browser session.
type Preferences struct {
	ConfirmActions bool `json:"confirm_actions"`
}

func preferencesOf(c *gin.Context) Preferences {
	on, _ := sessions.Default(c).Get(confirmKey).(bool)
	return Preferences{ConfirmActions: on}
}

func getPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, preferencesOf(c))
}

func updatePreferences(c *gin.Context) {
	var prefs Preferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid preferences"})
		return
	}
	session := sessions.Default(c)
	session.Set(confirmKey, prefs.ConfirmActions)
	if err := session.Save(); err != nil {
		logrus.Errorf("API: saving session: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session could not be saved"})
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// confirmed reports whether a destructive call may go ahead. With
// confirm_actions enabled the caller has to repeat the request with
// ?confirm=yes; until then the prompt is answered with 409.
func confirmed(c *gin.Context, prompt string) bool {
	if !preferencesOf(c).ConfirmActions || c.Query("confirm") == "yes" {
		return true
	}
	c.JSON(http.StatusConflict, gin.H{"confirm": prompt})
	return false
}

func getLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": logic.GetLogs()})
}

func clearLogs(c *gin.Context) {
	logic.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "logs cleared"})
}
