// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system
// service: config loading, logging bootstrap, metrics registry, HTTP
// middleware, and graceful shutdown.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/versusmen/matchfleet/lib/cmd"
	"github.com/versusmen/matchfleet/lib/config"
	"github.com/versusmen/matchfleet/sdk/go/ctxlog"
	"github.com/versusmen/matchfleet/sdk/go/httpserver"
)

// A Handler is the service-specific part of a running service.
type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shut down the service
}

// Command returns a cmd.Handler that loads the site config, calls
// newHandler with it, and brings up an http server with the returned
// handler.
//
// The handler is wrapped with server middleware (adding X-Request-Id
// headers, logging requests and responses).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "Site configuration `file` (optional; environment variables override its values)")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return 1
	}

	// Now that the config is read, replace the bootstrap logger
	// with one configured as the site wants it.
	log = ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	logger := log.WithField("PID", os.Getpid())
	ctx := ctxlog.Context(c.ctx, logger)

	reg := prometheus.NewRegistry()
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchfleet",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err := handler.CheckHealth(); err != nil {
		// The pool reports unhealthy until its first cloud
		// sync completes, so this is expected at startup.
		logger.WithError(err).Warn("not yet healthy")
	}

	srv := &httpserver.Server{
		Server: http.Server{
			Handler: httpserver.AddRequestIDs(httpserver.LogRequests(logger, handler)),
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		},
		Addr: fmt.Sprintf(":%d", cfg.Port),
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			logger.WithField("Signal", sig).Info("shutting down")
		case <-ctx.Done():
		case <-handler.Done():
		}
		srv.Close()
	}()

	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}
