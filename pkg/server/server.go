package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"camtrawl-acq/pkg/acquisition"
	"camtrawl-acq/pkg/metrics"
	"camtrawl-acq/pkg/ov"
	"camtrawl-acq/pkg/utils"
)

const (
	requestTimeout = 3 * time.Second
	shutdownGrace  = 5 * time.Second
)

// Acquisition is what the control surface drives.
type Acquisition interface {
	GetParameter(ctx context.Context, module, param string) (string, error)
	SetParameter(ctx context.Context, module, param, value string) (string, error)
	Status(ctx context.Context) (acquisition.Status, error)
}

// Server is the HTTP control surface: live parameters, status and metrics.
type Server struct {
	addr    string
	acq     Acquisition
	metrics *metrics.Metrics
	engine  *gin.Engine
	logger  *zap.SugaredLogger

	lock sync.Mutex
	srv  *utils.HTTPServer
}

func New(addr string, acq Acquisition, m *metrics.Metrics) *Server {
	s := &Server{
		addr:    addr,
		acq:     acq,
		metrics: m,
		logger:  utils.GetLogger(),
	}
	s.engine = s.routes()

	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(utils.Cors())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	apiRouter := r.Group("/api")
	apiRouter.GET("/status", s.getStatus)

	paramRouter := apiRouter.Group("/parameters")
	paramRouter.GET("/:module/*param", s.getParameter)
	paramRouter.PUT("/:module/*param", s.setParameter)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	return r
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.srv != nil {
		return
	}
	s.srv = utils.NewHTTPServer(s.addr, s.engine)
	s.srv.Start()
	s.logger.Infof("server: listening on %s", s.addr)
}

// Stop shuts the server down in the background and calls onStopped when it
// is gone.
func (s *Server) Stop(onStopped func()) {
	s.lock.Lock()
	srv := s.srv
	s.srv = nil
	s.lock.Unlock()

	if srv == nil {
		if onStopped != nil {
			go onStopped()
		}
		return
	}
	srv.Shutdown(shutdownGrace, func() {
		s.logger.Info("server: stopped")
		if onStopped != nil {
			onStopped()
		}
	})
}

func (s *Server) getStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	st, err := s.acq.Status(ctx)
	if err != nil {
		requestErr(c, err, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(st))
}

func (s *Server) getParameter(c *gin.Context) {
	module, param := c.Param("module"), strings.Trim(c.Param("param"), "/")
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	v, err := s.acq.GetParameter(ctx, module, param)
	if err != nil {
		requestErr(c, err, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(ov.Parameter{Module: module, Parameter: param, Value: v}))
}

func (s *Server) setParameter(c *gin.Context) {
	module, param := c.Param("module"), strings.Trim(c.Param("param"), "/")
	var p ov.ParameterValue
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	v, err := s.acq.SetParameter(ctx, module, param, p.Value)
	if err != nil {
		requestErr(c, err, http.StatusBadRequest)
		return
	}
	s.logger.Infof("server: %s/%s set to %s", module, param, v)

	c.JSON(http.StatusOK, jsend.Success(ov.Parameter{Module: module, Parameter: param, Value: v}))
}

func requestErr(c *gin.Context, err error, fallback int) {
	code := fallback
	switch {
	case errors.Is(err, acquisition.ErrUnknownModule),
		errors.Is(err, acquisition.ErrUnknownParameter),
		errors.Is(err, acquisition.ErrUnknownCamera):
		code = http.StatusNotFound
	case errors.Is(err, acquisition.ErrNotRunning),
		errors.Is(err, acquisition.ErrNoSensors):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}

	c.JSON(code, jsend.SimpleErr(err.Error()))
}
