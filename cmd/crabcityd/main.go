// crabcityd is the Crab City daemon: it hosts Instance Actors and serves
// the HTTP/WebSocket surface that lets many clients subscribe to and
// interact with them.
//
// Usage:
//
//	crabcityd [--addr :7777] [--log-format text|json]
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"crabcity/internal/api"
	"crabcity/internal/manager"
	"crabcity/internal/multiplexer"
)

// shutdownGrace bounds how long the daemon waits for every Instance Actor
// to drain once it starts shutting down.
const shutdownGrace = 30 * time.Second

func main() {
	addr := flag.String("addr", ":7777", "address to listen on")
	logFormat := flag.String("log-format", "text", "log output format: text or json")
	disableRequestLogging := flag.Bool("disable-request-logging", false, "skip the per-request access log")
	flag.Parse()

	if *logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	mgr := manager.New()
	mux := multiplexer.New(mgr)
	srv := api.NewServer(mgr, mux)

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: srv.Router(*disableRequestLogging),
	}

	go func() {
		logrus.WithField("addr", *addr).Info("crabcityd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logrus.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http server did not shut down cleanly")
	}

	mgr.ShutdownAll(shutdownCtx)
	logrus.Info("crabcityd stopped")
}
