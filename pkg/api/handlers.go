package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
)

// PluginService is the part of the plugin manager the HTTP layer drives.
type PluginService interface {
	Statuses() []models.PluginStatus
	Status(id string) (models.PluginStatus, error)
	GetPluginMetrics(id string) (models.PluginMetrics, error)
	HealthCheckPlugin(ctx context.Context, id string) (models.HealthResult, error)
	HealthCheckAll(ctx context.Context) []models.HealthResult
	StopPlugin(ctx context.Context, id string) error
	RestartPlugin(ctx context.Context, id string) error

	Execute(ctx context.Context, id, name string, payload []byte) ([]byte, error)
	ListFiles(ctx context.Context, id, prefix string) ([]protocol.FileInfo, error)
	UploadFile(ctx context.Context, id string, meta protocol.FileMetadata, content []byte) (protocol.FileInfo, error)
	DeleteFiles(ctx context.Context, id string, ids []string) (protocol.DeleteFilesReply, error)
}

// EventSource exposes what the health monitor has observed.
type EventSource interface {
	Recent() []models.Event
	LastSweep() []models.HealthResult
	Flapping(id string) bool
}

func listPluginsHandler(svc PluginService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Statuses())
	}
}

func getPluginHandler(svc PluginService) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Status(c.Param("id"))
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func pluginMetricsHandler(svc PluginService) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := svc.GetPluginMetrics(c.Param("id"))
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func pluginHealthHandler(svc PluginService) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.HealthCheckPlugin(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func healthAllHandler(svc PluginService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.HealthCheckAll(c.Request.Context()))
	}
}

// controlHandler runs a stop or restart and replies with the resulting status.
func controlHandler(svc PluginService, action string, fn func(ctx context.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := fn(c.Request.Context(), id); err != nil {
			respondServiceError(c, err)
			return
		}
		slog.Info("Plugin control request handled", "component", "API", "plugin_id", id, "action", action)

		st, err := svc.Status(id)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": action + " requested", "plugin": st})
	}
}

func executeHandler(svc PluginService, maxBody int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
		if err != nil {
			respondError(c, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		if len(payload) > 0 && !json.Valid(payload) {
			respondError(c, http.StatusBadRequest, "payload must be valid JSON")
			return
		}

		out, err := svc.Execute(c.Request.Context(), c.Param("id"), c.Param("name"), payload)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		switch {
		case len(out) == 0:
			c.Status(http.StatusNoContent)
		case json.Valid(out):
			c.Data(http.StatusOK, "application/json", out)
		default:
			c.Data(http.StatusOK, "application/octet-stream", out)
		}
	}
}

func listFilesHandler(svc PluginService) gin.HandlerFunc {
	return func(c *gin.Context) {
		files, err := svc.ListFiles(c.Request.Context(), c.Param("id"), c.Query("prefix"))
		if err != nil {
			respondServiceError(c, err)
			return
		}
		if files == nil {
			files = []protocol.FileInfo{}
		}
		c.JSON(http.StatusOK, gin.H{"files": files})
	}
}

func uploadFileHandler(svc PluginService, maxBody int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		header, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(c, http.StatusRequestEntityTooLarge, err.Error())
				return
			}
			respondError(c, http.StatusBadRequest, "multipart field \"file\" is required")
			return
		}

		f, err := header.Open()
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}

		meta := protocol.FileMetadata{
			Name:        c.DefaultPostForm("name", header.Filename),
			ContentType: c.PostForm("content_type"),
		}
		if meta.ContentType == "" {
			meta.ContentType = header.Header.Get("Content-Type")
		}
		if meta.ContentType == "" || meta.ContentType == "application/octet-stream" {
			meta.ContentType = http.DetectContentType(content)
		}

		info, err := svc.UploadFile(c.Request.Context(), c.Param("id"), meta, content)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, info)
	}
}

// DeleteFilesRequest is the body of DELETE /storage/:id/files.
type DeleteFilesRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

func deleteFilesHandler(svc PluginService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DeleteFilesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		res, err := svc.DeleteFiles(c.Request.Context(), c.Param("id"), req.IDs)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		if res.Deleted == nil {
			res.Deleted = []string{}
		}
		if res.Missing == nil {
			res.Missing = []string{}
		}
		c.JSON(http.StatusOK, res)
	}
}

func eventsHandler(src EventSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		events := src.Recent()
		if id := c.Query("plugin_id"); id != "" {
			filtered := events[:0]
			for _, e := range events {
				if e.PluginID == id {
					filtered = append(filtered, e)
				}
			}
			events = filtered
		}
		c.JSON(http.StatusOK, events)
	}
}

// monitorHandler reports the last periodic sweep and the plugins currently
// flagged as flapping.
func monitorHandler(svc PluginService, src EventSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		flapping := []string{}
		for _, st := range svc.Statuses() {
			if src.Flapping(st.ID) {
				flapping = append(flapping, st.ID)
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"last_sweep": src.LastSweep(),
			"flapping":   flapping,
		})
	}
}

func healthzHandler(svc PluginService) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses := svc.Statuses()
		routable := 0
		for _, st := range statuses {
			if st.State.Routable() {
				routable++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"plugins":  len(statuses),
			"routable": routable,
			"time":     time.Now().UTC(),
		})
	}
}
