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

// Package dashboard ships audit event batches to the operator dashboard
// over HTTPS. The reporter is fire-and-forget from the relay's point of
// view: a failed delivery is reported to the caller, which logs and
// drops the batch rather than retrying.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BCHLP/MqttProxy/pkg/audit"
)

const defaultTimeout = 30 * time.Second

// Reporter posts audit event batches as a JSON array to a single
// dashboard endpoint, authenticated with a bearer token. It implements
// audit.Reporter.
type Reporter struct {
	url    string
	token  string
	client *http.Client
}

// NewReporter creates a reporter for the given endpoint. A zero timeout
// selects the default of 30 seconds.
func NewReporter(url, token string, timeout time.Duration) *Reporter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Reporter{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Report delivers one batch of audit events. The batch is encoded as a
// JSON array in recording order. Any transport error or non-2xx status
// fails the whole batch.
func (r *Reporter) Report(ctx context.Context, events []audit.Event) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode audit batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create audit report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("audit report request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dashboard rejected audit batch with status %d", resp.StatusCode)
	}
	return nil
}
