package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nicodishanthj/soldocs/internal/store"
)

const webhookTimeout = 10 * time.Second

// Notifier delivers a completion event for freshly generated documentation.
type Notifier interface {
	Notify(ctx context.Context, docs store.Documentation) error
}

// WebhookNotifier POSTs a doc.completed payload to a configured sink.
// Each Notify makes a single POST attempt that is never resent; failures
// are the caller's to swallow.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier returns a notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

type webhookDocumentation struct {
	Overview         string    `json:"overview"`
	InstructionCount int       `json:"instructionCount"`
	IDLHash          string    `json:"idlHash"`
	GeneratedAt      time.Time `json:"generatedAt"`
}

type webhookPayload struct {
	Event         string               `json:"event"`
	ProgramID     string               `json:"programId"`
	Name          string               `json:"name"`
	Timestamp     string               `json:"timestamp"`
	Documentation webhookDocumentation `json:"documentation"`
}

// Notify sends the completion event. Non-2xx responses are reported as
// errors; transport errors propagate unchanged.
func (n *WebhookNotifier) Notify(ctx context.Context, docs store.Documentation) error {
	overview := docs.Overview
	if len(overview) > 500 {
		overview = overview[:500]
	}
	instructionCount := strings.Count(docs.Instructions, "###")
	if instructionCount == 0 {
		instructionCount = 1
	}
	payload := webhookPayload{
		Event:     "doc.completed",
		ProgramID: docs.ProgramID,
		Name:      docs.Name,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Documentation: webhookDocumentation{
			Overview:         overview,
			InstructionCount: instructionCount,
			IDLHash:          docs.IDLHash,
			GeneratedAt:      docs.GeneratedAt,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
