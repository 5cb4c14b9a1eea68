// Copyright 2023 The MqttProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the MqttProxy relay.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/BCHLP/MqttProxy/pkg/audit"
	"github.com/BCHLP/MqttProxy/pkg/broker"
	"github.com/BCHLP/MqttProxy/pkg/config"
	"github.com/BCHLP/MqttProxy/pkg/dashboard"
	"github.com/BCHLP/MqttProxy/pkg/gate"
	"github.com/BCHLP/MqttProxy/pkg/gateway"
	"github.com/BCHLP/MqttProxy/pkg/hooks"
	"github.com/BCHLP/MqttProxy/pkg/metrics"
	"github.com/BCHLP/MqttProxy/pkg/pki"
	"github.com/BCHLP/MqttProxy/pkg/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file")
	flag.Parse()

	log.Println("Starting MqttProxy relay...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Trust store and serving credentials ---
	// A missing or empty trust store is fatal: without anchors the
	// relay would reject every connection.
	store, err := pki.LoadTrustStore(cfg.Broker.TrustStore)
	if err != nil {
		log.Fatalf("Failed to load trust store %s: %v", cfg.Broker.TrustStore, err)
	}
	if store.Len() == 0 {
		log.Fatalf("Trust store %s contains no certificates", cfg.Broker.TrustStore)
	}
	log.Printf("Trust store loaded with %d anchor(s)", store.Len())

	serverCert, err := pki.LoadServerCertificate(cfg.Broker.CertFile, cfg.Broker.KeyFile)
	if err != nil {
		log.Fatalf("Failed to load server credentials: %v", err)
	}

	// --- Audit pipeline ---
	reporter := dashboard.NewReporter(cfg.Dashboard.URL, cfg.Dashboard.Token, 0)
	sink := audit.NewSink(reporter, cfg.Dashboard.ReportInterval)

	// --- Session gate and broker ---
	registry := hooks.NewRegistry()
	validator := pki.NewValidator(store, sink)
	g := gate.New(validator, sink, registry)
	b := broker.New(g, registry, sink)

	go func() {
		if err := b.StartServer(ctx, cfg.Broker.Listen, serverCert); err != nil {
			log.Fatalf("Broker server failed: %v", err)
		}
	}()

	// --- Supervised background actors ---
	sup := supervisor.NewOneForOneSupervisor()
	specs := []supervisor.Spec{
		{
			ID:      "audit-drain",
			Actor:   sink,
			Restart: supervisor.RestartPermanent,
		},
	}

	if cfg.Gateway.Enabled {
		gwCert, err := pki.LoadServerCertificate(cfg.Gateway.CertFile, cfg.Gateway.KeyFile)
		if err != nil {
			log.Fatalf("Failed to load gateway credentials: %v", err)
		}
		client, err := gateway.Dial(cfg.Gateway.BrokerURL, cfg.Gateway.ClientID, pki.ClientTLSConfig(store, gwCert))
		if err != nil {
			log.Fatalf("Gateway failed to connect to broker: %v", err)
		}
		defer client.Disconnect()

		gw := gateway.New(gateway.ForwardingRule{
			ListenPort:    cfg.Gateway.ListenPort,
			SendHost:      cfg.Gateway.SendHost,
			SendPort:      cfg.Gateway.SendPort,
			ClientID:      cfg.Gateway.ClientID,
			DownlinkTopic: cfg.Gateway.DownlinkTopic,
		}, client, sink)
		specs = append(specs, supervisor.Spec{
			ID:      "udp-gateway",
			Actor:   gw,
			Restart: supervisor.RestartTransient,
		})
	}

	if err := sup.Start(ctx, specs); err != nil {
		log.Fatalf("Supervisor failed to start: %v", err)
	}

	// --- Metrics server ---
	go metrics.Serve(cfg.MetricsPort)

	// --- Wait for shutdown signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
	cancel()
}
