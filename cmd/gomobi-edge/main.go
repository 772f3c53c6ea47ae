package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"gomobi-edge/internal/edge"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("GOMOBI_CONFIG", "/gomobi-edge.yaml"), "path to gomobi-edge.yaml")
	flag.Parse()

	cfg, err := edge.LoadConfig(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	log, err := edge.ConfigureLogging(cfg, os.Stdout)
	if err != nil {
		logrus.WithError(err).Fatal("configure logging")
	}

	svc, err := edge.NewService(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("init service")
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without a working install the edge still proxies, so keep going.
	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Error("register cache generation")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).Fatalf("listen %s", addr)
	}

	srv := &http.Server{
		Handler:           edge.AccessLogger(svc.Handler(), cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":       addr,
			"origin":     cfg.Server.Origin,
			"generation": cfg.Cache.Generation,
		}).Info("gomobi-edge listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
