// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/great-expectations/cloud-sub000/broker"
	"github.com/great-expectations/cloud-sub000/config"
	"github.com/great-expectations/cloud-sub000/jobs"
	"github.com/great-expectations/cloud-sub000/lifecycle"
)

func main() {
	configPath := flag.String("config", "", "path to the agent configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("agent failed to load configuration")
	}
	setupLogger(cfg.Log)

	registry := jobs.NewRegistry()
	registerHandlers(registry)
	if err := registry.Validate(); err != nil {
		logrus.WithError(err).Fatal("agent handler registry incomplete")
	}

	client := lifecycle.NewClient(
		cfg.ControlPlane.BaseURL,
		cfg.ControlPlane.OrgID,
		cfg.ControlPlane.Token,
		cfg.ControlPlane.RequestTimeout,
	)
	tracker := lifecycle.NewTracker(client, registry, cfg.Dispatch.Timeout)

	conn := broker.NewConnection(cfg.Broker.URL)
	consumer := broker.NewConsumer(conn)

	stopped := make(chan struct{})
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		s := <-signalCh
		logrus.WithField("signal", s.String()).Info("agent signal received, shutting down")
		close(stopped)
		consumer.Close()
	}()

	logrus.WithField("queue", cfg.Broker.Queue).Info("agent started")

	for {
		err := consumer.Consume(cfg.Broker.Queue, tracker.Process)
		if err == nil {
			logrus.Info("agent stopped")
			return
		}

		var fatal *broker.FatalConnectionError
		if errors.As(err, &fatal) {
			logrus.WithError(err).Fatal("agent broker authentication failed")
		}

		select {
		case <-stopped:
			logrus.Info("agent stopped")
			return
		default:
		}

		// Transient and unrecoverable session errors both restart the
		// session; the consumer has already applied the backoff delay.
		logrus.WithError(err).Warn("agent restarting broker session")
	}
}

func setupLogger(cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// registerHandlers wires the job handlers executed by the dispatcher. The
// default binary ships placeholder handlers; deployments replace them with
// the real actions.
func registerHandlers(r *jobs.Registry) {
	for _, kind := range jobs.Kinds() {
		kind := kind
		_ = r.Register(kind, func(ctx context.Context, job jobs.Job, correlationID string) (*jobs.ActionResult, error) {
			logrus.WithFields(logrus.Fields{
				"correlationID": correlationID,
				"jobKind":       kind,
			}).Info("agent placeholder handler invoked")
			return &jobs.ActionResult{}, nil
		})
	}
}
