package ingress

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/answer-relay/backend/internal/service/broadcast"
	ingressService "github.com/zhouzirui/answer-relay/backend/internal/service/ingress"
)

type stubProcessor struct {
	ack   ingressService.Ack
	err   error
	calls int
}

func (p *stubProcessor) Handle(_ context.Context, _ []byte) (ingressService.Ack, error) {
	p.calls++
	return p.ack, p.err
}

func serve(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcknowledges(t *testing.T) {
	p := &stubProcessor{ack: ingressService.Ack{Success: true, Message: "processing event relayed", MessageID: "gen-1"}}
	rec := serve(t, New(p, 0, nil), `{"type":"processing"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"message":"processing event relayed","messageId":"gen-1"}`, rec.Body.String())
}

func TestWebhookValidationFailureIsStillOK(t *testing.T) {
	p := &stubProcessor{ack: ingressService.Ack{Success: false, Error: "invalid streaming_chunk event: content is required"}}
	rec := serve(t, New(p, 0, nil), `{"type":"streaming_chunk"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestWebhookInternalFailures(t *testing.T) {
	p := &stubProcessor{ack: ingressService.Ack{Error: "failed to relay event"}, err: fmt.Errorf("publish: %w", broadcast.ErrClosed)}
	rec := serve(t, New(p, 0, nil), `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	p.err = fmt.Errorf("publish: boom")
	rec = serve(t, New(p, 0, nil), `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	p := &stubProcessor{}
	body := `{"type":"answer","answer":"` + strings.Repeat("x", 64) + `"}`
	rec := serve(t, New(p, 16, nil), body)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "too large")
	assert.Zero(t, p.calls)
}
