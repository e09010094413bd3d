package utils

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = defaultReadTimeout

	gracefulEnvironKey   = "IS_GRACEFUL"
	gracefulEnvironValue = gracefulEnvironKey + "=1"
	gracefulListenerFd   = 3
)

// Server wraps http.Server to support graceful shutdown and zero-downtime
// restart: SIGTERM drains and exits, SIGUSR2 forks a child that inherits the
// listener fd before the parent drains.
type Server struct {
	*http.Server

	listener     net.Listener
	isGraceful   bool
	signalChan   chan os.Signal
	shutdownChan chan struct{}
}

// NewServer creates a Server with timeouts and handler.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{
		Server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		isGraceful:   os.Getenv(gracefulEnvironKey) != "",
		signalChan:   make(chan os.Signal, 1),
		shutdownChan: make(chan struct{}),
	}
}

// ListenAndServe starts serving and handles lifecycle signals.
func (srv *Server) ListenAndServe() error {
	addr := srv.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := srv.getNetListener(addr)
	if err != nil {
		return err
	}
	srv.listener = ln

	go srv.handleSignals()
	err = srv.Server.Serve(srv.listener)
	// Wait until Shutdown finished
	<-srv.shutdownChan
	return err
}

func (srv *Server) getNetListener(addr string) (net.Listener, error) {
	if srv.isGraceful {
		file := os.NewFile(gracefulListenerFd, "")
		ln, err := net.FileListener(file)
		if err != nil {
			return nil, fmt.Errorf("net.FileListener error: %w", err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.Listen error: %w", err)
	}
	return ln, nil
}

func (srv *Server) handleSignals() {
	signal.Notify(
		srv.signalChan,
		syscall.SIGTERM,
		syscall.SIGUSR2,
	)

	for sig := range srv.signalChan {
		switch sig {
		case syscall.SIGTERM:
			Sugar.Info("received SIGTERM, graceful shutting down HTTP server")
			srv.shutdownHTTPServer()
		case syscall.SIGUSR2:
			Sugar.Info("received SIGUSR2, graceful restarting HTTP server")
			if pid, err := srv.startNewProcess(); err != nil {
				Sugar.Errorf("start new process failed: %v, continue serving", err)
			} else {
				Sugar.Infof("start new process succeeded, new pid=%d", pid)
				srv.shutdownHTTPServer()
			}
		}
	}
}

func (srv *Server) shutdownHTTPServer() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		Sugar.Errorf("HTTP server shutdown error: %v", err)
	} else {
		Sugar.Info("HTTP server shutdown success")
	}
	close(srv.shutdownChan)
}

// start new process to handle HTTP connections
func (srv *Server) startNewProcess() (uintptr, error) {
	tcpLn, ok := srv.listener.(*net.TCPListener)
	if !ok {
		return 0, fmt.Errorf("listener is not *net.TCPListener")
	}
	file, err := tcpLn.File()
	if err != nil {
		return 0, fmt.Errorf("get listener file: %w", err)
	}

	envs := []string{}
	for _, e := range os.Environ() {
		if e != gracefulEnvironValue {
			envs = append(envs, e)
		}
	}
	envs = append(envs, gracefulEnvironValue)

	attr := &syscall.ProcAttr{
		Env:   envs,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd(), file.Fd()},
	}
	pid, err := syscall.ForkExec(os.Args[0], os.Args, attr)
	if err != nil {
		return 0, fmt.Errorf("forkexec: %w", err)
	}
	return uintptr(pid), nil
}

// GraceServer starts an HTTP server with graceful capabilities.
func GraceServer(addr string, handler http.Handler) error {
	return NewServer(addr, handler, defaultReadTimeout, defaultWriteTimeout).ListenAndServe()
}
