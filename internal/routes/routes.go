package routes

import (
	"net/http"

	"github.com/Cyvadra/signal-trader/internal/config"
	"github.com/Cyvadra/signal-trader/internal/handlers"
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all the routes for the application
func SetupRoutes(r *gin.Engine, h *handlers.Handler, auth config.AuthConfig) {
	// API routes
	api := r.Group("/api/v1")
	if auth.Enabled {
		api.Use(handlers.Auth(auth.JWTSecret))
	}
	{
		// Monitoring control
		api.GET("/monitoring", h.GetStatus)
		api.POST("/monitoring/resume", h.Resume)

		accounts := api.Group("/accounts/:id")
		{
			accounts.GET("/monitoring", h.GetAccountStatus)
			accounts.POST("/monitoring/start", h.StartMonitoring)
			accounts.POST("/monitoring/stop", h.StopMonitoring)
			accounts.GET("/trades", h.GetTrades)
		}

		api.PATCH("/trades/:trade_id", h.UpdateTrade)

		// Parse preview, never trades
		api.POST("/signals/parse", h.ParseSignal)

		// Websocket event stream
		api.GET("/events", h.StreamEvents)
	}

	// Health check endpoint
	r.GET("/health", h.Health)

	// Root endpoint
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Signal Trader",
			"version": "1.0.0",
			"endpoints": gin.H{
				"monitoring": "/api/v1/monitoring",
				"accounts":   "/api/v1/accounts/:id/monitoring",
				"trades":     "/api/v1/accounts/:id/trades",
				"parse":      "/api/v1/signals/parse",
				"events":     "/api/v1/events",
				"health":     "/health",
			},
		})
	})
}
