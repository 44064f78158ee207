package webdav

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"camtrawl-acq/pkg/utils"
)

const shutdownGrace = 5 * time.Second

// Server exposes the data directory over WebDAV so a deployment can be
// downloaded while the system sits on deck.
type Server struct {
	lock   sync.Mutex
	addr   string
	dir    string
	srv    *utils.HTTPServer
	logger *zap.SugaredLogger
}

func New(addr, dir string) *Server {
	return &Server{
		addr:   addr,
		dir:    dir,
		logger: utils.GetLogger(),
	}
}

func (s *Server) Handler() http.Handler {
	return &webdav.Handler{
		FileSystem: webdav.Dir(s.dir),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.logger.Errorf("webdav: [%s] %s err: %s", r.Method, r.URL, err)
			}
		},
	}
}

// Start serves in the background. Starting a running server is a no-op.
func (s *Server) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.srv != nil {
		return
	}
	s.srv = utils.NewHTTPServer(s.addr, s.Handler())
	s.srv.Start()
	s.logger.Infof("webdav: serving %s on %s", s.dir, s.addr)
}

func (s *Server) Running() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.srv != nil
}

// Stop shuts the server down in the background and calls onStopped when it
// is gone. It is safe to call on a server that never started.
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
		s.logger.Info("webdav: stopped")
		if onStopped != nil {
			onStopped()
		}
	})
}
