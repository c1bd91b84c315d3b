package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func registerStatusRoutes(r *gin.Engine, deps Dependencies) {
	r.GET("/status", func(c *gin.Context) {
		ctx := c.Request.Context()

		connected := false
		if deps.Channel != nil {
			connected = deps.Channel.IsConnected()
		}
		storeAvailable := false
		if deps.Store != nil {
			storeAvailable = deps.Store.Available()
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"branch_id":       deps.BranchID,
				"realtime":        connected,
				"store_available": storeAvailable,
				"pending":         deps.Sync.PendingCount(ctx),
			},
		})
	})

	// Manual reconcile trigger for operators; the scheduler covers the
	// normal path.
	r.POST("/sync/reconcile", func(c *gin.Context) {
		if err := deps.Sync.Reconcile(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "RECONCILE_FAILED",
					"message": err.Error(),
				},
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"pending": deps.Sync.PendingCount(c.Request.Context()),
			},
		})
	})
}
