package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stationmaster/internal/history"
	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/gorm"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, db *gorm.DB, store *state.Store) {
	router.GET("/healthz", handleHealth())
	router.GET("/api/groups", handleGroups(store))
	router.GET("/api/tasks", handleTasks(db))
	router.GET("/api/cursor", handleCursor(store))
	router.GET("/api/chats", handleChats(db))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
	}
}

func handleGroups(store *state.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, store.Groups())
	}
}

func handleTasks(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tasks []models.Task
		q := db.Order("id ASC")
		if status := c.Query("status"); status != "" {
			q = q.Where("status = ?", status)
		}
		if err := q.Find(&tasks).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, tasks)
	}
}

func handleCursor(store *state.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, store.CursorSnapshot())
	}
}

func handleChats(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		chats, err := history.Chats(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, chats)
	}
}
