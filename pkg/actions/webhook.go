package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexocrm/blueprint/pkg/api"
)

// KindWebhook posts a JSON document describing the transition to an external
// URL.
//
// Config:
//
//	url    - the target URL (required), {{var}} allowed
//	method - HTTP method, defaults to POST
//
// Config keys prefixed with "param_" become extra payload fields, with the
// prefix stripped and {{var}} placeholders expanded.
const KindWebhook = "webhook"

const (
	defaultWebhookTimeout = 10 * time.Second
	maxWebhookResponse    = 64 << 10
)

// Webhook is the webhook action.
type Webhook struct {
	client *http.Client
}

var _ api.Action = (*Webhook)(nil)

// NewWebhook creates the webhook action. A nil client gets a default one
// with a 10s timeout.
func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &Webhook{client: client}
}

func (a *Webhook) Execute(ctx context.Context, actx api.ActionContext) (any, error) {
	url := Expand(actx.Config["url"], actx.Vars)
	if url == "" {
		return nil, fmt.Errorf("webhook: config key %q is required", "url")
	}
	method := strings.ToUpper(actx.Config["method"])
	if method == "" {
		method = http.MethodPost
	}

	payload := map[string]any{
		"blueprint":  actx.Vars["blueprint"],
		"record_id":  actx.Vars["record_id"],
		"transition": actx.Vars["transition"],
		"from_state": actx.Vars["from_state"],
		"to_state":   actx.Vars["to_state"],
		"actor":      actx.Vars["actor"],
	}
	for k, v := range actx.Config {
		if name, ok := strings.CutPrefix(k, "param_"); ok {
			payload[name] = Expand(v, actx.Vars)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, fmt.Errorf("webhook: read response: %w", err)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}
	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("webhook: %s returned status %d", url, resp.StatusCode)
	}
	return result, nil
}
