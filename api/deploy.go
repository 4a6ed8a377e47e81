package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/registry"
)

// DeployResponse acknowledges an activated deployment.
type DeployResponse struct {
	DeploymentID string          `json:"deploymentId"`
	Status       registry.Status `json:"status"`
	Endpoints    []string        `json:"endpoints"`
}

// deploy activates a manifest and prepares it in the background. With
// ?wait=true the response waits for preparation and reports its failure.
func (s *Server) deploy(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.fail(c, errors.Validation(nil, "read manifest: %v", err))
		return
	}
	m, err := registry.ParseManifest(body)
	if err != nil {
		s.fail(c, err)
		return
	}
	d, err := s.registry.Activate(m)
	if err != nil {
		s.fail(c, err)
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.PrepareTimeout)
		err := s.executor.Prepare(ctx, d.ID)
		cancel()
		if err != nil {
			s.fail(c, err)
			return
		}
		if cur, ok := s.registry.Get(d.ID); ok {
			d = cur
		}
	} else {
		s.prepare(d.ID)
	}

	resp := DeployResponse{DeploymentID: d.ID, Status: d.Status, Endpoints: make([]string, len(d.Endpoints))}
	for i, ep := range d.Endpoints {
		resp.Endpoints[i] = ep.Path
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) listDeployments(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) getDeployment(c *gin.Context) {
	id := c.Param("id")
	d, ok := s.registry.Get(id)
	if !ok {
		s.fail(c, errors.NotFound(errors.PhaseRegistry, "deployment", id))
		return
	}
	c.JSON(http.StatusOK, d)
}

// removeDeployment always answers 204, known deployment or not.
func (s *Server) removeDeployment(c *gin.Context) {
	s.registry.Remove(c.Param("id"))
	c.Status(http.StatusNoContent)
}
