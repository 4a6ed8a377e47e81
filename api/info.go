package api

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wippyai/wasm-supervisor/engine"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/history"
	"github.com/wippyai/wasm-supervisor/pool"
	"github.com/wippyai/wasm-supervisor/store"
)

const wasiInterface = "wasi_snapshot_preview1"

type healthReport struct {
	Status      string         `json:"status"`
	Device      string         `json:"device"`
	Uptime      float64        `json:"uptimeSeconds"`
	Goroutines  int            `json:"goroutines"`
	HeapBytes   uint64         `json:"heapBytes"`
	Deployments map[string]int `json:"deployments"`
	Pool        *pool.Stats    `json:"pool,omitempty"`
	Store       *store.Stats   `json:"store,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	report := healthReport{
		Status:      "ok",
		Device:      s.cfg.Device.ID,
		Uptime:      time.Since(s.started).Seconds(),
		Goroutines:  runtime.NumGoroutine(),
		HeapBytes:   mem.HeapAlloc,
		Deployments: make(map[string]int),
	}
	for _, d := range s.registry.List() {
		report.Deployments[string(d.Status)]++
	}
	if s.pool != nil {
		st := s.pool.Stats()
		report.Pool = &st
	}
	if s.store != nil {
		st := s.store.Stats()
		report.Store = &st
	}
	c.JSON(http.StatusOK, report)
}

type platform struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	CPUs     int    `json:"cpus"`
	Go       string `json:"go"`
	Hostname string `json:"hostname,omitempty"`
}

type deviceDescription struct {
	Device
	Platform             platform `json:"platform"`
	SupervisorInterfaces []string `json:"supervisorInterfaces"`
}

func (s *Server) description(c *gin.Context) {
	host, _ := os.Hostname()
	c.JSON(http.StatusOK, deviceDescription{
		Device: s.cfg.Device,
		Platform: platform{
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			CPUs:     runtime.NumCPU(),
			Go:       runtime.Version(),
			Hostname: host,
		},
		SupervisorInterfaces: append([]string{wasiInterface}, engine.HostInterfaces...),
	})
}

// resultFile serves an output-stage file written by the last call.
func (s *Server) resultFile(c *gin.Context) {
	path, err := s.executor.ResultFile(c.Param("deployment"), c.Param("module"), c.Param("file"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.fail(c, errors.NotFound(errors.PhaseRegistry, "result file", c.Param("file")))
		return
	}
	c.File(path)
}

func (s *Server) listHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, []history.Entry{})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(c, errors.Validation([]string{"limit"}, "invalid limit %q", v))
			return
		}
		limit = n
	}
	entries, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

// getHistory returns one request's entries; a failed request answers 500.
func (s *Server) getHistory(c *gin.Context) {
	id := c.Param("id")
	if s.history == nil {
		s.fail(c, errors.NotFound(errors.PhaseRegistry, "request", id))
		return
	}
	entries, err := s.history.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if history.Failed(entries) {
		status = http.StatusInternalServerError
	}
	c.JSON(status, entries)
}
