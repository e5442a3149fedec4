package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/redact"
)

// EmailType is the task type served by EmailHandler.
const EmailType = "EMAIL"

// Message is an outgoing email.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
	HTML    bool
}

// Mailer delivers email messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type emailPayload struct {
	To      []string `json:"to"`
	Subject *string  `json:"subject"`
	Body    *string  `json:"body"`
	From    string   `json:"from"`
	HTML    bool     `json:"html"`
}

// EmailHandler sends the email described by the task payload:
// {"type":"EMAIL","to":["..."],"subject":"...","body":"...","from":"...","html":false}.
type EmailHandler struct {
	mailer      Mailer
	defaultFrom string
	logger      *slog.Logger
}

// NewEmailHandler creates an EmailHandler. defaultFrom is used when the
// payload has no "from".
func NewEmailHandler(mailer Mailer, defaultFrom string, log *slog.Logger) *EmailHandler {
	if mailer == nil {
		panic("mailer cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &EmailHandler{
		mailer:      mailer,
		defaultFrom: defaultFrom,
		logger:      log.With(slog.String("component", "email_handler")),
	}
}

// Type implements Handler.
func (h *EmailHandler) Type() string { return EmailType }

// Handle implements Handler.
func (h *EmailHandler) Handle(ctx context.Context, payload string) error {
	log := logger.FromContextOrDefault(ctx, h.logger)

	var p emailPayload
	if err := json.UnmarshalFromString(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	to := make([]string, 0, len(p.To))
	for _, addr := range p.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return fmt.Errorf("%w: EMAIL task must contain at least one recipient", ErrInvalidPayload)
	}
	if p.Subject == nil {
		return fmt.Errorf("%w: subject is required", ErrInvalidPayload)
	}
	if p.Body == nil {
		return fmt.Errorf("%w: body is required", ErrInvalidPayload)
	}

	from := p.From
	if from == "" {
		from = h.defaultFrom
	}

	msg := Message{From: from, To: to, Subject: *p.Subject, Body: *p.Body, HTML: p.HTML}
	if err := h.mailer.Send(ctx, msg); err != nil {
		log.Error("email send failed",
			slog.Int("recipients", len(to)),
			slog.String("error", redact.Error(err)))
		return fmt.Errorf("email send failed: %w", err)
	}

	log.Debug("email sent", slog.Int("recipients", len(to)))
	return nil
}
