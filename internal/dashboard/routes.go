package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/cfq/internal/chatfile"
	"github.com/zulandar/cfq/internal/logger"
	"github.com/zulandar/cfq/internal/storage"
	"gorm.io/gorm"
)

type handlers struct {
	db         *gorm.DB
	log        *logger.Logger
	staleAfter time.Duration
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	api := router.Group("/api")
	api.GET("/worker/status", h.workerStatus)
	api.GET("/events", h.events)

	api.GET("/files", h.listFiles)
	api.GET("/files/:id", h.getFile)
	api.PATCH("/files/:id", h.updateFile)
	api.POST("/files/:id/reprocess", h.reprocessFile)
}

func (h *handlers) workerStatus(c *gin.Context) {
	st, err := LoadStatus(h.db, h.staleAfter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) listFiles(c *gin.Context) {
	var filters chatfile.ListFilters
	if v := c.Query("conversation_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id must be a number"})
			return
		}
		filters.ConversationID = uint(id)
	}
	if v := c.Query("state"); v != "" {
		state, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "state must be a number"})
			return
		}
		filters.State = &state
	}
	filters.Type = c.Query("type")
	filters.Limit = 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
			return
		}
		filters.Limit = n
	}

	files, err := chatfile.List(h.db, filters)
	if err != nil {
		h.fail(c, err)
		return
	}
	views := make([]FileView, len(files))
	for i := range files {
		views[i] = newFileView(&files[i], false, storage.FormatSize)
	}
	c.JSON(http.StatusOK, gin.H{"files": views, "count": len(views)})
}

func (h *handlers) getFile(c *gin.Context) {
	id, ok := fileID(c)
	if !ok {
		return
	}
	f, err := chatfile.Get(h.db, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newFileView(f, true, storage.FormatSize))
}

type updateRequest struct {
	State *int    `json:"state"`
	Notes *string `json:"notes"`
}

func (h *handlers) updateFile(c *gin.Context) {
	id, ok := fileID(c)
	if !ok {
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if req.State == nil && req.Notes == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update: set state or notes"})
		return
	}
	// Check existence first so a bad state on a missing file reports 404.
	if _, err := chatfile.Get(h.db, id); err != nil {
		h.fail(c, err)
		return
	}
	if req.State != nil {
		if err := chatfile.SetState(h.db, id, *req.State); err != nil {
			h.fail(c, err)
			return
		}
	}
	if req.Notes != nil {
		if err := chatfile.AddNote(h.db, id, *req.Notes); err != nil {
			h.fail(c, err)
			return
		}
	}
	f, err := chatfile.Get(h.db, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("file updated", "file_id", id, "state", f.HasBeenProcessed)
	c.JSON(http.StatusOK, newFileView(f, false, storage.FormatSize))
}

func (h *handlers) reprocessFile(c *gin.Context) {
	id, ok := fileID(c)
	if !ok {
		return
	}
	f, err := chatfile.Reprocess(h.db, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("file queued for reprocessing", "file_id", id)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "File queued for reprocessing",
		"file":    newFileView(f, false, storage.FormatSize),
	})
}

func fileID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file id must be a positive number"})
		return 0, false
	}
	return uint(id), true
}

// fail maps domain errors to status codes.
func (h *handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chatfile.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
	case errors.Is(err, chatfile.ErrBadState), errors.Is(err, chatfile.ErrEmptyNote):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error("dashboard request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
