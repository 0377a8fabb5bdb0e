package main

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ratelimit "github.com/jassus213/llm-ratelimit-core"
	zapadapter "github.com/jassus213/llm-ratelimit-core/adapters/zap"
	"github.com/jassus213/llm-ratelimit-core/identity"
	ginMiddleware "github.com/jassus213/llm-ratelimit-core/middleware/gin"
	"github.com/jassus213/llm-ratelimit-core/store"
)

func main() {
	cfg := zap.Config{
		Level:         zap.NewAtomicLevelAt(zap.DebugLevel),
		Development:   true,
		Encoding:      "console",
		OutputPaths:   []string{"stdout"},
		EncoderConfig: zap.NewDevelopmentEncoderConfig(),
	}
	logger, _ := cfg.Build()
	defer logger.Sync()
	zapLogger := zapadapter.New(logger)

	cs := store.New(nil, store.WithLogger(zapLogger))
	defer cs.Close()

	controller := ratelimit.NewController(cs, ratelimit.WithLogger(zapLogger))

	router := gin.Default()
	router.Use(ginMiddleware.RateLimiter(controller, ginMiddleware.WithIdentityFunc(
		func(c *gin.Context) (identity.Identity, string, error) {
			return identity.Identity{
				APIKey: c.GetHeader("X-API-Key"),
				Quota: identity.QuotaMap{
					identity.DimensionAPIKey: {
						identity.WindowMinute: {RequestsLimit: limit(5)},
					},
				},
			}, c.GetHeader("X-Model"), nil
		},
	)))
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	logger.Info("Starting server on http://localhost:8080")
	if err := router.Run(":8080"); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}

func limit(n int64) *int64 { return &n }
