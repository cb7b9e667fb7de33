package webui

import (
	"github.com/gin-gonic/gin"
)

// setupRoutes registers the API on r.
//
// Channels are addressed as /api/plugins/:plugin/channels/:address, e.g.
//
//	curl http://localhost:8080/api/plugins/hal/channels/carousel.position
//	curl -X PUT -d '{"value": 3}' http://localhost:8080/api/plugins/hal/channels/carousel.position/value
func setupRoutes(r *gin.Engine, s *Server) {
	api := r.Group("/api")

	api.GET("/plugins", s.getPlugins)
	api.GET("/plugins/:plugin/channels", s.getChannels)
	api.GET("/plugins/:plugin/channels/:address", s.getChannel)
	api.GET("/plugins/:plugin/channels/:address/:query", s.queryChannel)
	api.PUT("/plugins/:plugin/channels/:address/:query", s.assignChannel)
	api.GET("/channels", s.getChannels)
	api.GET("/ws", s.updateWebSocket)

	if s.tools != nil {
		tt := api.Group("/tooltable")
		tt.GET("", s.getToolTable)
		tt.GET("/columns", getColumns)
		tt.POST("/tools", s.addTool)
		tt.GET("/rows/:row", s.getRow)
		tt.DELETE("/rows/:row", s.removeRow)
		tt.GET("/rows/:row/:column", s.getCell)
		tt.PUT("/rows/:row/:column", s.setCell)
		tt.POST("/load", s.loadToolTable)
		tt.POST("/save", s.saveToolTable)
		tt.POST("/clear", s.clearToolTable)
	}
	if s.atc != nil {
		api.GET("/atc", s.getCarousel)
	}

	api.GET("/preferences", getPreferences)
	api.PUT("/preferences", updatePreferences)
	api.GET("/logs", getLogs)
	api.DELETE("/logs", clearLogs)
}
