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

// package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts every TLS connection attempt, admitted or not.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttproxy_connections_total",
		Help: "The total number of TLS connections accepted by the listener.",
	})

	// AuthFailuresTotal counts rejected connection attempts by verdict.
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttproxy_auth_failures_total",
		Help: "The total number of connection attempts rejected by the session gate.",
	},
		[]string{"verdict"},
	)

	// SessionsActive tracks the number of currently admitted sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqttproxy_sessions_active",
		Help: "The number of currently connected, authenticated sessions.",
	})

	// MessagesPublishedTotal counts PUBLISH packets accepted from clients.
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttproxy_messages_published_total",
		Help: "The total number of messages published to the broker.",
	})

	// MessagesDeliveredTotal counts messages fanned out to subscribers.
	MessagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttproxy_messages_delivered_total",
		Help: "The total number of messages delivered to subscriber sessions.",
	})

	// UDPDatagramsReceivedTotal counts datagrams read by the gateway.
	UDPDatagramsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttproxy_udp_datagrams_received_total",
		Help: "The total number of UDP datagrams received from sensors.",
	})

	// UDPDatagramsMalformedTotal counts datagrams dropped as unparseable.
	UDPDatagramsMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttproxy_udp_datagrams_malformed_total",
		Help: "The total number of inbound UDP datagrams dropped as malformed.",
	})

	// UDPDatagramsForwardedTotal counts datagrams written back to sensors.
	UDPDatagramsForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttproxy_udp_datagrams_forwarded_total",
		Help: "The total number of UDP datagrams forwarded to the sensor endpoint.",
	})

	// AuditEventsTotal counts events enqueued on the audit sink.
	AuditEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttproxy_audit_events_total",
		Help: "The total number of audit events recorded.",
	})

	// AuditBatchesTotal counts non-empty batches handed to the reporter.
	AuditBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttproxy_audit_batches_total",
		Help: "The total number of audit batches reported.",
	})

	// AuditReportFailuresTotal counts batches dropped on reporting failure.
	AuditReportFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttproxy_audit_report_failures_total",
		Help: "The total number of audit batches lost to reporting failures.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttproxy_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
