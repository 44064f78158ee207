package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// WatchSignal calls fn once for the first SIGINT/SIGTERM. It returns when
// either a signal arrives or ctx is done.
func WatchSignal(ctx context.Context, fn func(os.Signal)) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(signalCh)
		select {
		case s := <-signalCh:
			fn(s)
		case <-ctx.Done():
		}
	}()
}

// HTTPServer runs an http.Handler until Shutdown is called. Done is closed
// once the listener has returned.
type HTTPServer struct {
	srv  *http.Server
	done chan struct{}
	err  error
}

func NewHTTPServer(addr string, h http.Handler) *HTTPServer {
	return &HTTPServer{
		srv:  &http.Server{Addr: addr, Handler: h},
		done: make(chan struct{}),
	}
}

func (s *HTTPServer) Start() {
	go func() {
		defer close(s.done)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.err = fmt.Errorf("listen %s: %w", s.srv.Addr, err)
			GetLogger().Errorf("http server %s err: %s", s.srv.Addr, err)
		}
	}()
}

// Shutdown stops the server in the background and calls onDone when the
// listener has exited or the grace period ran out.
func (s *HTTPServer) Shutdown(grace time.Duration, onDone func()) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			GetLogger().Warnf("shutdown http server %s err: %s", s.srv.Addr, err)
		}
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		if onDone != nil {
			onDone()
		}
	}()
}

func (s *HTTPServer) Done() <-chan struct{} {
	return s.done
}

func (s *HTTPServer) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
