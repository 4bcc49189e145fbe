package gembot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// newAPIServer builds the optional read-only status API: health,
// runtime stats, and durable conversation history lookups.
func newAPIServer(b *GemBot) *http.Server {
	cfg := b.config.API
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     cfg.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(
		cors.New(
			cors.Config{
				AllowOrigins:     cfg.CORS.AllowOrigins,
				AllowMethods:     cfg.CORS.AllowMethods,
				AllowHeaders:     cfg.CORS.AllowHeaders,
				ExposeHeaders:    cfg.CORS.ExposeHeaders,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           cfg.CORS.MaxAge,
			},
		),
	)

	engine.GET(
		"/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		},
	)

	api := engine.Group("/api")
	api.GET("/status", apiStatusHandler(b))
	api.GET("/conversations/:id/turns", apiConversationTurnsHandler(b, logger))

	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

func apiStatusHandler(b *GemBot) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := "disabled"
		if b.llm != nil {
			provider = b.llm.Name()
		}
		c.JSON(
			http.StatusOK, gin.H{
				"version":              Version,
				"uptime":               time.Since(b.startedAt).String(),
				"gateway_connected":    b.discord.connected.Load(),
				"queue_depth":          b.throttle.Len(),
				"provider":             provider,
				"database_enabled":     b.store.Enabled(),
				"messages_handled":     b.messagesHandled.Load(),
				"interactions_handled": b.interactionsHandled.Load(),
			},
		)
	}
}

func apiConversationTurnsHandler(
	b *GemBot,
	logger *slog.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !b.store.Enabled() {
			c.JSON(
				http.StatusServiceUnavailable,
				gin.H{"error": "no database configured"},
			)
			return
		}
		conversationID := c.Param("id")
		turns, err := b.store.Fetch(
			c.Request.Context(),
			conversationID,
			b.config.AI.MaxHistoryMessages,
		)
		if err != nil {
			logger.Error("error fetching turns", tint.Err(err))
			c.JSON(
				http.StatusInternalServerError,
				gin.H{"error": "error fetching turns"},
			)
			return
		}
		c.JSON(
			http.StatusOK, gin.H{
				"conversation_id": conversationID,
				"turns":           turns,
			},
		)
	}
}
