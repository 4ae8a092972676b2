package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sevir/jstd-supervisor/internal/registry"
	"github.com/sevir/jstd-supervisor/pkg/models"
)

const logChunkBytes = 64 * 1024

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/stats", s.handleAPIStats)
		api.GET("/servers", s.handleAPIServersList)
		api.POST("/servers", s.handleAPIServerStart)
		api.GET("/servers/:id", s.handleAPIServerGet)
		api.GET("/servers/:id/browsers", s.handleAPIServerBrowsers)
		api.GET("/servers/:id/log", s.handleAPIServerLog)
		api.GET("/servers/:id/events", s.handleAPIServerEvents)
		api.POST("/servers/:id/shutdown", s.handleAPIServerShutdown)
		api.DELETE("/servers/:id/purge", s.handleAPIServerPurge)
	}

	return r
}

// errorStatus maps registry errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrPortInUse), errors.Is(err, registry.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleAPIStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.GetStats())
}

func (s *Server) handleAPIServersList(c *gin.Context) {
	statuses, err := parseStatusQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit, err := intQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	records, err := s.registry.List(models.ListRequest{Status: statuses, Limit: limit, Offset: offset})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	items := make([]models.ServerSummary, 0, len(records))
	for _, rec := range records {
		items = append(items, rec.ToSummary(now))
	}

	c.JSON(http.StatusOK, gin.H{"servers": items})
}

func (s *Server) handleAPIServerStart(c *gin.Context) {
	var req models.StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if _, err := s.registry.Settings(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.registry.Start(c.Request.Context(), req)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"server": rec})
}

func (s *Server) handleAPIServerGet(c *gin.Context) {
	rec, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": rec})
}

func (s *Server) handleAPIServerBrowsers(c *gin.Context) {
	browsers, err := s.registry.Browsers(c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if browsers == nil {
		browsers = []models.BrowserInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"browsers": browsers})
}

func (s *Server) handleAPIServerLog(c *gin.Context) {
	rec, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if rec.LogFile == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "log not available"})
		return
	}

	offset := int64(0)
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		offset = v
	}

	data, nextOffset, truncated, err := readLogChunk(rec.LogFile, offset, logChunkBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "log not available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content":     string(data),
		"next_offset": nextOffset,
		"truncated":   truncated,
	})
}

// handleAPIServerEvents streams output and lifecycle events as SSE until the
// server exits or the client goes away.
func (s *Server) handleAPIServerEvents(c *gin.Context) {
	events, err := s.registry.Subscribe(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			c.SSEvent("end", gin.H{"id": c.Param("id")})
			return false
		}
		c.SSEvent(string(ev.Kind), ev)
		return true
	})
}

func (s *Server) handleAPIServerShutdown(c *gin.Context) {
	rec, err := s.registry.Shutdown(c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"server": rec})
}

func (s *Server) handleAPIServerPurge(c *gin.Context) {
	if err := s.registry.Purge(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &apiError{msg: "invalid " + key}
	}
	return v, nil
}

func parseStatusQuery(c *gin.Context) ([]models.ServerStatus, error) {
	raw := c.QueryArray("status")
	if len(raw) == 1 && strings.Contains(raw[0], ",") {
		raw = strings.Split(raw[0], ",")
	}

	var statuses []models.ServerStatus
	for _, part := range raw {
		st := models.ServerStatus(strings.TrimSpace(part))
		if st == "" {
			continue
		}
		if !models.ValidServerStatus(st) {
			return nil, &apiError{msg: "invalid status"}
		}
		statuses = append(statuses, st)
	}

	return statuses, nil
}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }

// readLogChunk reads path from offset, at most max bytes. Reading from 0 a
// file larger than max returns its tail instead.
func readLogChunk(path string, offset, max int64) ([]byte, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, offset, false, err
	}

	size := st.Size()
	start := offset
	truncated := false

	if start < 0 {
		start = 0
	}
	if start > size {
		start = size
	}

	if start == 0 && size > max {
		start = size - max
		truncated = true
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, start, false, err
	}

	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, start, false, err
	}

	if max > 0 && int64(len(data)) > max {
		data = data[:max]
		truncated = true
	}

	nextOffset := start + int64(len(data))
	return data, nextOffset, truncated, nil
}
