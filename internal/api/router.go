package api

import (
	"github.com/gin-gonic/gin"

	"classdesk/internal/middleware"
)

// NewRouter configures HTTP routes for the application.
func NewRouter(server *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger(), middleware.CORS())
	server.RegisterRoutes(r)
	return r
}
