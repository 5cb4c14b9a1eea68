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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, ":8883", cfg.Broker.Listen)
	assert.NotEmpty(t, cfg.Broker.TrustStore)
	assert.Equal(t, time.Minute, cfg.Dashboard.ReportInterval)
	assert.False(t, cfg.Gateway.Enabled)
	assert.NoError(t, validateConfig(cfg))
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigYAML(t *testing.T) {
	content := `
broker:
  listen: ":9883"
  cert_file: /etc/relay/server.pem
  key_file: /etc/relay/server.key
  trust_store: /etc/relay/truststore.pem
dashboard:
  url: https://dash.example.com/api/audit
  token: abc123
gateway:
  enabled: true
  listen_port: 6000
  send_host: 10.0.0.5
  send_port: 6001
  client_id: gw-1
  broker_url: tls://localhost:9883
  cert_file: /etc/relay/gw.pem
  key_file: /etc/relay/gw.key
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9883", cfg.Broker.Listen)
	assert.Equal(t, "/etc/relay/truststore.pem", cfg.Broker.TrustStore)
	assert.Equal(t, "abc123", cfg.Dashboard.Token)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, 6000, cfg.Gateway.ListenPort)
	assert.Equal(t, "gw-1", cfg.Gateway.ClientID)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, ":8082", cfg.MetricsPort)
	assert.Equal(t, time.Minute, cfg.Dashboard.ReportInterval)
}

func TestLoadConfigJSON(t *testing.T) {
	content := `{"broker": {"listen": ":9884"}}`
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9884", cfg.Broker.Listen)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0600))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("broker: [unclosed"), 0600))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestValidateConfig(t *testing.T) {
	t.Run("missing trust store", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.TrustStore = ""
		assert.Error(t, validateConfig(cfg))
	})

	t.Run("missing listener", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.Listen = ""
		assert.Error(t, validateConfig(cfg))
	})

	t.Run("gateway checks apply only when enabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.ClientID = ""
		assert.NoError(t, validateConfig(cfg))

		cfg.Gateway.Enabled = true
		assert.Error(t, validateConfig(cfg))
	})

	t.Run("gateway port range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.Enabled = true
		cfg.Gateway.ListenPort = 70000
		assert.Error(t, validateConfig(cfg))
	})
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.Listen = ":9999"
	path := filepath.Join(t.TempDir(), "out.yaml")

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Broker.Listen, loaded.Broker.Listen)
}
