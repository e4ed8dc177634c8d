package api

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the control API on the given router.
func RegisterRoutes(router *gin.Engine, h *Handler) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.GetStatus)
		v1.GET("/devices", h.GetDevices)
		v1.GET("/topology", h.GetTopology)
		v1.GET("/tasks", h.GetTasks)
		v1.POST("/tasks", h.DispatchTask)
		v1.GET("/activity", h.GetActivity)
		v1.GET("/logs", h.GetLogs)
		v1.GET("/pair-token", h.GetPairToken)
		v1.POST("/pair-token/rotate", h.RotatePairToken)
	}
}
