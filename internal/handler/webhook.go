package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
)

// WebhookType is the task type served by WebhookHandler.
const WebhookType = "WEBHOOK"

// maxResponseLog bounds how much of a webhook response is logged.
const maxResponseLog = 512

type webhookPayload struct {
	URL    string              `json:"url"`
	Method string              `json:"method"`
	Data   jsoniter.RawMessage `json:"data"`
}

// WebhookHandler calls an HTTP endpoint described by the task payload:
// {"type":"WEBHOOK","url":"...","method":"POST","data":{...}}.
// Any non-2xx response fails the attempt.
type WebhookHandler struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. The client should carry a timeout.
func NewWebhookHandler(client *http.Client, log *slog.Logger) *WebhookHandler {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{client: client, logger: log.With(slog.String("component", "webhook_handler"))}
}

// Type implements Handler.
func (h *WebhookHandler) Type() string { return WebhookType }

// Handle implements Handler.
func (h *WebhookHandler) Handle(ctx context.Context, payload string) error {
	log := logger.FromContextOrDefault(ctx, h.logger)

	var p webhookPayload
	if err := json.UnmarshalFromString(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidPayload)
	}
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(p.Data) > 0 && string(p.Data) != "null" {
		body = bytes.NewReader(p.Data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Info("calling webhook", slog.String("method", method), slog.String("url", p.URL))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseLog))
	log.Info("webhook response",
		slog.Int("status", resp.StatusCode),
		slog.String("body", string(snippet)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
