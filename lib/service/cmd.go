// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system
// service.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/chute-io/chute/lib/cmd"
	"github.com/chute-io/chute/lib/config"
	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/chute-io/chute/sdk/go/ctxlog"
	"github.com/chute-io/chute/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *chute.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	version    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the site config, calls
// newHandler with the current config, and brings up an http server
// with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-Id
// headers, logging requests/responses).
func Command(svcName, version string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		version:    version,
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
	configFile := flags.String("config", "/etc/chute/coordinator.yml", "Site configuration `file`")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version(c.version).RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with one configured as the site wants it.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":           os.Getpid(),
		"ApplicationID": cfg.ApplicationID,
	})
	ctx := ctxlog.Context(c.ctx, logger)

	reg := prometheus.NewRegistry()
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chute",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(c.version).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	instrumented := httpserver.AddRequestIDs(httpserver.LogRequests(handler))
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     instrumented,
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: cfg.ListenAddress,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Service": c.svcName,
		"Version": c.version,
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		if done := handler.Done(); done != nil {
			<-done
			srv.Close()
		}
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}
