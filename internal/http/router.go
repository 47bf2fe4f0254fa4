// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roadside/internal/http/handlers"
	"roadside/internal/http/middleware"
)

func NewRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	orderHandler := handlers.NewOrderHandler(deps.Order, deps.Pricing, deps.Logger)
	api.POST("/orders", orderHandler.Create)
	api.GET("/orders/:id", orderHandler.Get)
	api.POST("/orders/:id/submit", orderHandler.Submit)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/orders/:id/transition", orderHandler.Transition)

	executorHandler := handlers.NewExecutorHandler(deps.Order, deps.Executors)
	api.POST("/orders/:id/accept", executorHandler.Accept)
	api.POST("/orders/:id/reject", executorHandler.Reject)
	api.PUT("/executors/me", executorHandler.Register)
	api.PUT("/executors/me/location", executorHandler.UpdateLocation)
	api.PUT("/executors/me/status", executorHandler.SetStatus)

	return r
}
