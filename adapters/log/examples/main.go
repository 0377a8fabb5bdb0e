package main

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	ratelimit "github.com/jassus213/llm-ratelimit-core"
	stdlogadapter "github.com/jassus213/llm-ratelimit-core/adapters/log"
	"github.com/jassus213/llm-ratelimit-core/identity"
	ginMiddleware "github.com/jassus213/llm-ratelimit-core/middleware/gin"
	"github.com/jassus213/llm-ratelimit-core/store"
)

func main() {
	stdLogger := stdlogadapter.New(log.Default())

	cs := store.New(nil, store.WithLogger(stdLogger))
	defer cs.Close()

	controller := ratelimit.NewController(cs, ratelimit.WithLogger(stdLogger))

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

	log.Println("Starting server on http://localhost:8080")
	if err := router.Run(":8080"); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}

func limit(n int64) *int64 { return &n }
