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

// Package config provides configuration management for the relay:
// broker credentials and trust store paths, dashboard reporting, and
// the optional UDP gateway.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// BrokerConfig configures the TLS listener and the relay's own PKI
// material.
type BrokerConfig struct {
	// Listen is the TLS listener address, host optional.
	Listen string `yaml:"listen" json:"listen"`
	// CertFile is a PEM bundle: the serving leaf certificate followed
	// by the rest of its chain.
	CertFile string `yaml:"cert_file" json:"cert_file"`
	// KeyFile holds the private key matching the leaf in CertFile.
	KeyFile string `yaml:"key_file" json:"key_file"`
	// TrustStore is the PEM bundle of trust anchors client chains must
	// terminate at. System roots are never consulted.
	TrustStore string `yaml:"trust_store" json:"trust_store"`
}

// DashboardConfig configures audit event delivery to the operator
// dashboard.
type DashboardConfig struct {
	URL   string `yaml:"url" json:"url"`
	Token string `yaml:"token" json:"token"`
	// ReportInterval is the audit drain period. Zero selects the
	// default of one minute.
	ReportInterval time.Duration `yaml:"report_interval" json:"report_interval"`
}

// GatewayConfig configures the UDP gateway. The gateway connects to the
// broker as an ordinary client and is subject to the same certificate
// policy.
type GatewayConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenPort int    `yaml:"listen_port" json:"listen_port"`
	SendHost   string `yaml:"send_host" json:"send_host"`
	SendPort   int    `yaml:"send_port" json:"send_port"`
	ClientID   string `yaml:"client_id" json:"client_id"`
	// BrokerURL is the broker endpoint the gateway dials, normally the
	// relay's own listener.
	BrokerURL string `yaml:"broker_url" json:"broker_url"`
	CertFile  string `yaml:"cert_file" json:"cert_file"`
	KeyFile   string `yaml:"key_file" json:"key_file"`
	// DownlinkTopic overrides the default downlink subscription derived
	// from ClientID.
	DownlinkTopic string `yaml:"downlink_topic" json:"downlink_topic"`
}

// Config holds the complete relay configuration.
type Config struct {
	Broker      BrokerConfig    `yaml:"broker" json:"broker"`
	Dashboard   DashboardConfig `yaml:"dashboard" json:"dashboard"`
	Gateway     GatewayConfig   `yaml:"gateway" json:"gateway"`
	MetricsPort string          `yaml:"metrics_port" json:"metrics_port"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Listen:     ":8883",
			CertFile:   "certs/server.pem",
			KeyFile:    "certs/server.key",
			TrustStore: "certs/truststore.pem",
		},
		Dashboard: DashboardConfig{
			URL:            "https://localhost:8443/api/audit",
			ReportInterval: time.Minute,
		},
		Gateway: GatewayConfig{
			Enabled:    false,
			ListenPort: 5684,
			SendHost:   "127.0.0.1",
			SendPort:   5685,
			ClientID:   "udp-gateway",
			BrokerURL:  "tls://localhost:8883",
			CertFile:   "certs/gateway.pem",
			KeyFile:    "certs/gateway.key",
		},
		MetricsPort: ":8082",
	}
}

// LoadConfig loads configuration from a file. An empty path yields the
// default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Broker.Listen == "" {
		return fmt.Errorf("broker.listen cannot be empty")
	}
	if config.Broker.CertFile == "" || config.Broker.KeyFile == "" {
		return fmt.Errorf("broker.cert_file and broker.key_file are required")
	}
	if config.Broker.TrustStore == "" {
		return fmt.Errorf("broker.trust_store is required")
	}
	if config.Dashboard.URL == "" {
		return fmt.Errorf("dashboard.url cannot be empty")
	}
	if config.Dashboard.ReportInterval < 0 {
		return fmt.Errorf("dashboard.report_interval cannot be negative")
	}

	if config.Gateway.Enabled {
		if config.Gateway.ListenPort <= 0 || config.Gateway.ListenPort > 65535 {
			return fmt.Errorf("gateway.listen_port must be a valid port, got %d", config.Gateway.ListenPort)
		}
		if config.Gateway.SendHost == "" {
			return fmt.Errorf("gateway.send_host cannot be empty")
		}
		if config.Gateway.SendPort <= 0 || config.Gateway.SendPort > 65535 {
			return fmt.Errorf("gateway.send_port must be a valid port, got %d", config.Gateway.SendPort)
		}
		if config.Gateway.ClientID == "" {
			return fmt.Errorf("gateway.client_id cannot be empty")
		}
		if config.Gateway.BrokerURL == "" {
			return fmt.Errorf("gateway.broker_url cannot be empty")
		}
		if config.Gateway.CertFile == "" || config.Gateway.KeyFile == "" {
			return fmt.Errorf("gateway.cert_file and gateway.key_file are required")
		}
	}

	return nil
}
