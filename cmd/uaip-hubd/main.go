/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command uaip-hubd runs the message plane hub: it terminates session
// transport connections, authenticates principals, and routes
// envelopes between agents, users and devices (spec §1).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/openuaip/hub/lib/config"
)

var (
	configPath = flag.String("config", "/etc/uaip-hub/hub.yaml", "Path to the hub configuration file")
	logFormat  = flag.String("log_format", "", "Log format to use (json or text)")
	logLevel   = flag.String("log_level", "", "Log level to use")
)

func main() {
	flag.Parse()
	configureLogging()

	if err := run(); err != nil {
		log.Fatal(trace.Wrap(err))
	}
}

func configureLogging() {
	switch *logFormat {
	case "": // OK, use defaults
		log.SetFormatter(&trace.TextFormatter{})
	case "json":
		log.SetFormatter(&trace.JSONFormatter{})
	case "text":
		log.SetFormatter(&trace.TextFormatter{})
	default:
		log.Warnf("Invalid log_format flag: %q", *logFormat)
	}
	if ll := *logLevel; ll != "" {
		switch level, err := log.ParseLevel(ll); {
		case err != nil:
			log.WithError(err).Warn("Invalid -log_level flag")
		default:
			log.SetLevel(level)
		}
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return trace.Wrap(err, "loading configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, err := Build(ctx, cfg)
	if err != nil {
		return trace.Wrap(err, "building hub")
	}
	defer hub.Close()

	go func() {
		c := make(chan os.Signal, 2)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		select {
		case <-ctx.Done():
		case sig := <-c:
			log.Infof("captured %s, stopping service", sig)
			cancel()
		}
	}()

	if err := hub.Serve(ctx); err != nil {
		return trace.Wrap(err, "serving hub")
	}
	return nil
}
