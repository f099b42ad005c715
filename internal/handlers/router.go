package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS allows browser canvases served from other origins.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// NewRouter wires the handler endpoints behind recovery, CORS and the extra
// middleware. metrics may be nil.
func NewRouter(h *Handler, metrics http.Handler, middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), CORS())
	router.Use(middleware...)
	router.MaxMultipartMemory = MaxUploadSize

	router.GET("/health", h.Health)
	router.GET("/state", h.State)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	router.POST("/stroke", h.SubmitImage)
	router.POST("/stroke/raw", h.SubmitRaw)
	router.POST("/stroke/points", h.SubmitPoints)
	router.POST("/confirm", h.Confirm)
	router.POST("/reject", h.Reject)
	router.POST("/label", h.Label)
	return router
}
