package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/ledgerowl/internal/audit"
	"github.com/wisbric/ledgerowl/pkg/provider"
)

type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAuditor) LogFromRequest(_ *http.Request, _, action string, _ map[string]any) {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	a.mu.Unlock()
}

type handlerFixture struct {
	dispatcher *Dispatcher
	auditor    *recordingAuditor
	router     chi.Router
	delivered  []*Delivery
}

func newHandlerFixture(t *testing.T, cache ReplayCache) *handlerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &handlerFixture{
		dispatcher: NewDispatcher(logger),
		auditor:    &recordingAuditor{},
	}
	f.dispatcher.Register(provider.Xero, ProcessorFunc(func(_ context.Context, d *Delivery) error {
		f.delivered = append(f.delivered, d)
		return nil
	}))

	h := NewHandler(logger, newTestVerifier(cache), f.dispatcher, f.auditor)
	f.router = chi.NewRouter()
	f.router.Mount("/webhooks", h.Routes())
	return f
}

func (f *handlerFixture) post(name string, body []byte, headers http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+name, bytes.NewReader(body))
	for k, v := range headers {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHandler_Statuses(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryReplayCache())
	body := []byte(`{"eventId":"evt-1","eventDateUtc":"2026-05-10T11:59:30Z"}`)
	valid := signedHeaders("X-Xero-Signature", base64Sign(xeroSecret, body))

	w := f.post(provider.Xero, body, valid)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp AcceptedResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "evt-1", resp.DeliveryID)
	require.Len(t, f.delivered, 1)
	assert.Equal(t, "evt-1", f.delivered[0].Payload["eventId"])

	w = f.post(provider.Xero, body, valid)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), CodeReplayAttack)

	w = f.post(provider.Xero, body, http.Header{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), CodeSignatureMissing)

	w = f.post(provider.Xero, body, signedHeaders("X-Xero-Signature", base64Sign("wrong", body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad := []byte(`[]`)
	w = f.post(provider.Xero, bad, signedHeaders("X-Xero-Signature", base64Sign(xeroSecret, bad)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), CodeMalformedPayload)

	stale := []byte(`{"eventId":"evt-2","eventDateUtc":"2026-05-10T10:00:00Z"}`)
	w = f.post(provider.Xero, stale, signedHeaders("X-Xero-Signature", base64Sign(xeroSecret, stale)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), CodeTimestampOutOfRange)

	w = f.post("freshbooks", body, valid)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, []string{
		audit.ActionReplayRejected,
		audit.ActionSignatureInvalid,
		audit.ActionSignatureInvalid,
	}, f.auditor.actions)
	assert.Len(t, f.delivered, 1, "rejected deliveries are never processed")
}

func TestHandler_DefaultProcessorAcknowledges(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryReplayCache())
	body := []byte(`{"eventNotifications":[]}`)

	w := f.post(provider.QuickBooks, body, signedHeaders("Intuit-Signature", base64Sign(defaultSecret, body)))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, f.delivered)
}

func TestHandler_DegradedReplayCacheIsAudited(t *testing.T) {
	f := newHandlerFixture(t, failingCache{})
	body := []byte(`{"eventId":"evt-1"}`)

	w := f.post(provider.Xero, body, signedHeaders("X-Xero-Signature", base64Sign(xeroSecret, body)))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{audit.ActionReplayCheckDegraded}, f.auditor.actions)
}

func TestHandler_ProcessingFailureReleasesDelivery(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryReplayCache())
	fail := true
	f.dispatcher.Register(provider.Xero, ProcessorFunc(func(context.Context, *Delivery) error {
		if fail {
			return errors.New("downstream unavailable")
		}
		return nil
	}))

	body := []byte(`{"eventId":"evt-3"}`)
	headers := signedHeaders("X-Xero-Signature", base64Sign(xeroSecret, body))

	w := f.post(provider.Xero, body, headers)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	fail = false
	w = f.post(provider.Xero, body, headers)
	assert.Equal(t, http.StatusAccepted, w.Code, "provider retry is not a replay")
}

func TestHandler_BodyTooLarge(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryReplayCache())
	body := bytes.Repeat([]byte("a"), maxBodyBytes+1)

	w := f.post(provider.Xero, body, signedHeaders("X-Xero-Signature", base64Sign(xeroSecret, body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
