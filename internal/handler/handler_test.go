package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(typ string) Handler {
	return HandlerFunc{TaskType: typ, Fn: func(context.Context, string) error { return nil }}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	t.Run("lookup", func(t *testing.T) {
		r, err := NewRegistry(noop("EMAIL"), noop("WEBHOOK"), nil)
		require.NoError(t, err)

		h, ok := r.Lookup("EMAIL")
		require.True(t, ok)
		assert.Equal(t, "EMAIL", h.Type())

		_, ok = r.Lookup("email")
		assert.False(t, ok, "lookup is case-sensitive")

		assert.Equal(t, []string{"EMAIL", "WEBHOOK"}, r.Types())
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := NewRegistry(noop("EMAIL"), noop("EMAIL"))
		assert.ErrorIs(t, err, ErrDuplicateHandler)
	})

	t.Run("empty type", func(t *testing.T) {
		_, err := NewRegistry(noop("  "))
		assert.ErrorIs(t, err, ErrEmptyHandlerType)
	})

	t.Run("nil registry", func(t *testing.T) {
		var r *Registry
		_, ok := r.Lookup("EMAIL")
		assert.False(t, ok)
		assert.Nil(t, r.Types())
	})
}

func TestWebhookHandler(t *testing.T) {
	t.Parallel()

	type call struct {
		method      string
		body        string
		contentType string
	}

	tests := []struct {
		name       string
		status     int
		payload    func(url string) string
		wantErr    error
		wantAnyErr bool
		wantCall   *call
	}{
		{
			name:   "default post with data",
			status: http.StatusOK,
			payload: func(url string) string {
				return `{"type":"WEBHOOK","url":"` + url + `","data":{"k":"v"}}`
			},
			wantCall: &call{method: http.MethodPost, body: `{"k":"v"}`, contentType: "application/json"},
		},
		{
			name:   "explicit method without data",
			status: http.StatusNoContent,
			payload: func(url string) string {
				return `{"type":"WEBHOOK","url":"` + url + `","method":"put"}`
			},
			wantCall: &call{method: http.MethodPut, body: "", contentType: "application/json"},
		},
		{
			name:       "server error fails",
			status:     http.StatusServiceUnavailable,
			payload:    func(url string) string { return `{"url":"` + url + `"}` },
			wantAnyErr: true,
		},
		{
			name:    "missing url",
			status:  http.StatusOK,
			payload: func(string) string { return `{"type":"WEBHOOK"}` },
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "not json",
			status:  http.StatusOK,
			payload: func(string) string { return `send it` },
			wantErr: ErrInvalidPayload,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var (
				mu  sync.Mutex
				got *call
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				mu.Lock()
				got = &call{method: r.Method, body: string(body), contentType: r.Header.Get("Content-Type")}
				mu.Unlock()
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			h := NewWebhookHandler(srv.Client(), nil)
			assert.Equal(t, WebhookType, h.Type())

			err := h.Handle(context.Background(), tc.payload(srv.URL))
			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.wantAnyErr:
				require.Error(t, err)
				assert.Contains(t, err.Error(), "503")
			default:
				require.NoError(t, err)
			}

			if tc.wantCall != nil {
				mu.Lock()
				defer mu.Unlock()
				require.NotNil(t, got)
				assert.Equal(t, *tc.wantCall, *got)
			}
		})
	}
}

func TestWebhookHandlerRespectsContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewWebhookHandler(srv.Client(), nil).Handle(ctx, `{"url":"`+srv.URL+`"}`)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeMailer struct {
	sent []Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func TestEmailHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		mailErr error
		wantErr error
		want    *Message
	}{
		{
			name:    "sends with default from",
			payload: `{"type":"EMAIL","to":["a@example.com"," ","b@example.com"],"subject":"Hi","body":"Hello"}`,
			want: &Message{
				From: "Task Queue <noreply@example.com>", To: []string{"a@example.com", "b@example.com"},
				Subject: "Hi", Body: "Hello",
			},
		},
		{
			name:    "explicit from and html",
			payload: `{"to":["a@example.com"],"subject":"S","body":"<b>B</b>","from":"ops@example.com","html":true}`,
			want: &Message{
				From: "ops@example.com", To: []string{"a@example.com"},
				Subject: "S", Body: "<b>B</b>", HTML: true,
			},
		},
		{
			name:    "no recipients",
			payload: `{"to":[],"subject":"S","body":"B"}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "to is not a list",
			payload: `{"to":"a@example.com","subject":"S","body":"B"}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "missing subject",
			payload: `{"to":["a@example.com"],"body":"B"}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "mailer failure",
			payload: `{"to":["a@example.com"],"subject":"S","body":"B"}`,
			mailErr: errors.New("550 rejected"),
			wantErr: errors.New("550 rejected"),
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mailer := &fakeMailer{err: tc.mailErr}
			h := NewEmailHandler(mailer, "Task Queue <noreply@example.com>", nil)
			assert.Equal(t, EmailType, h.Type())

			err := h.Handle(context.Background(), tc.payload)
			if tc.wantErr != nil {
				require.Error(t, err)
				if errors.Is(tc.wantErr, ErrInvalidPayload) {
					assert.ErrorIs(t, err, ErrInvalidPayload)
				} else {
					assert.Contains(t, err.Error(), tc.wantErr.Error())
				}
				assert.Empty(t, mailer.sent)
				return
			}

			require.NoError(t, err)
			require.Len(t, mailer.sent, 1)
			assert.Equal(t, *tc.want, mailer.sent[0])
		})
	}
}

func TestSMTPMailer(t *testing.T) {
	t.Parallel()

	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  string
		gotAuth smtp.Auth
	)
	m := NewSMTPMailer("smtp.example.com", 587, "user", "pass")
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, string(msg)
		return nil
	}

	err := m.Send(context.Background(), Message{
		From:    "Task Queue <noreply@example.com>",
		To:      []string{"a@example.com"},
		Subject: "Hello",
		Body:    "line1\nline2",
		HTML:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "noreply@example.com", gotFrom)
	assert.Equal(t, []string{"a@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "To: a@example.com\r\n")
	assert.Contains(t, gotMsg, "Content-Type: text/html; charset=UTF-8\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "line1\r\nline2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, Message{}), context.Canceled)
}

func TestNewSMTPMailerWithoutAuth(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewSMTPMailer("localhost", 25, "", "").auth)
}
