package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	ratelimit "github.com/jassus213/llm-ratelimit-core"
	zerologadapter "github.com/jassus213/llm-ratelimit-core/adapters/zerolog"
	"github.com/jassus213/llm-ratelimit-core/identity"
	ginMiddleware "github.com/jassus213/llm-ratelimit-core/middleware/gin"
	"github.com/jassus213/llm-ratelimit-core/store"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zeroLogger := zerologadapter.New(&log.Logger)

	cs := store.New(nil, store.WithLogger(zeroLogger))
	defer cs.Close()

	controller := ratelimit.NewController(cs, ratelimit.WithLogger(zeroLogger))

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

	log.Info().Msg("Starting server on http://localhost:8080")
	if err := router.Run(":8080"); err != nil {
		log.Fatal().Err(err).Msg("Failed to run server")
	}
}

func limit(n int64) *int64 { return &n }
