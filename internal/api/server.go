// Package api serves the HTTP interface of the provisioning service: scheduling builds,
// inspecting and deleting agents, metrics and the endpoint agents connect back to.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/ephemeral-agents/internal/build"
	"github.com/determined-ai/ephemeral-agents/internal/connect"
	"github.com/determined-ai/ephemeral-agents/internal/metadata"
	"github.com/determined-ai/ephemeral-agents/internal/options"
	"github.com/determined-ai/ephemeral-agents/internal/prom"
	"github.com/determined-ai/ephemeral-agents/internal/provision"
	"github.com/determined-ai/ephemeral-agents/pkg/logger"
)

// Server is the HTTP server of the service.
type Server struct {
	echo      *echo.Echo
	opts      options.Options
	scheduler *provision.Scheduler
	nodes     *provision.NodeRegistry
	store     metadata.Store
	log       *logrus.Entry
}

// AgentView is the JSON representation of a live agent.
type AgentView struct {
	Name        string          `json:"name"`
	Label       string          `json:"label"`
	BuildID     string          `json:"build_id"`
	JobName     string          `json:"job_name"`
	State       provision.State `json:"state"`
	ContainerID string          `json:"container_id,omitempty"`
	Node        string          `json:"node,omitempty"`
	Accepting   bool            `json:"accepting"`
	Busy        bool            `json:"busy"`
}

// CompleteRequest reports how an agent's build finished.
type CompleteRequest struct {
	Success bool `json:"success"`
}

// New builds the server and its routes. Builds are scheduled with opts.
func New(
	opts options.Options,
	scheduler *provision.Scheduler,
	nodes *provision.NodeRegistry,
	store metadata.Store,
	hub *connect.Hub,
) *Server {
	s := &Server{
		echo:      echo.New(),
		opts:      opts,
		scheduler: scheduler,
		nodes:     nodes,
		store:     store,
		log:       logrus.WithField("component", "api"),
	}

	s.echo.Logger = logger.NewEchoLogger(s.log)
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = JSONErrorHandler
	s.echo.Use(middleware.Recover())

	v1 := s.echo.Group("/api/v1")
	v1.POST("/builds", s.postBuild)
	v1.GET("/builds/:id/provisioning", route(s.getProvisioning))
	v1.GET("/agents", route(s.getAgents))
	v1.DELETE("/agents/:name", s.deleteAgent)
	v1.POST("/agents/:name/complete", s.completeAgent)

	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET(connect.AgentPath, hub.ServeAgent)
	s.echo.GET(AgentJarPath, s.getAgentJar)
	return s
}

// AgentJarPath serves the connector agents download before connecting.
const AgentJarPath = "/jnlpJars/slave.jar"

func (s *Server) getAgentJar(c echo.Context) error {
	if s.opts.AgentJar == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no agent jar is configured")
	}
	return c.File(s.opts.AgentJar)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Infof("listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for the ones in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) postBuild(c echo.Context) error {
	var req build.Request
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.ID == "" || req.Label == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id and label are required")
	}
	_, err := s.scheduler.Schedule(c.Request().Context(), s.opts, req)
	switch {
	case errors.Is(err, metadata.ErrClaimed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		prom.ScheduleFailures.Inc()
		s.log.WithError(err).WithField("build-id", req.ID).Warn("unable to schedule agent")
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			"unable to schedule an agent for build "+req.ID+": "+err.Error())
	}
	return c.JSON(http.StatusAccepted, req)
}

func (s *Server) getProvisioning(c echo.Context) (interface{}, error) {
	info, err := s.store.Get(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return nil, echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return nil, err
	}
	return info.Snapshot(), nil
}

func (s *Server) getAgents(echo.Context) (interface{}, error) {
	computers := s.nodes.List()
	views := make([]AgentView, 0, len(computers))
	for _, c := range computers {
		rec := c.Record()
		views = append(views, AgentView{
			Name:        c.Name(),
			Label:       rec.Label.String(),
			BuildID:     rec.Request.ID,
			JobName:     rec.Request.JobName,
			State:       c.State(),
			ContainerID: c.ContainerID(),
			Node:        c.Node(),
			Accepting:   c.IsAccepting(),
			Busy:        c.CurrentTask() != nil,
		})
	}
	return views, nil
}

func (s *Server) agent(c echo.Context) (*provision.Computer, error) {
	name := c.Param("name")
	computer, ok := s.nodes.Get(name)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "agent "+name+" not found")
	}
	return computer, nil
}

func (s *Server) deleteAgent(c echo.Context) error {
	computer, err := s.agent(c)
	if err != nil {
		return err
	}
	computer.Delete()
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) completeAgent(c echo.Context) error {
	computer, err := s.agent(c)
	if err != nil {
		return err
	}
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	computer.TaskCompleted(req.Success)
	return c.NoContent(http.StatusAccepted)
}
