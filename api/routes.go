package api

import (
	"github.com/gin-gonic/gin"

	"github.com/wippyai/wasm-supervisor/executor"
)

const (
	routeDescription = "/.well-known/wasmiot-device-description"
	routeInvoke      = "invoke"
)

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.observe())

	r.GET("/health", s.health)
	r.GET(routeDescription, s.description)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	deploy := r.Group("/deploy")
	{
		deploy.POST("", s.deploy)
		deploy.GET("", s.listDeployments)
		deploy.GET("/:id", s.getDeployment)
		deploy.DELETE("/:id", s.removeDeployment)
	}

	r.GET(executor.ResultsPrefix+"/:deployment/:module/:file", s.resultFile)

	r.GET("/request-history", s.listHistory)
	r.GET("/request-history/:id", s.getHistory)

	// Every other path is an endpoint, default or custom.
	r.NoRoute(s.limit(), s.invoke)
	return r
}
