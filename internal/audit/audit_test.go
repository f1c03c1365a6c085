package audit

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/pkg/tenant"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memorySink) InsertEvents(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *memorySink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"x-forwarded-for first entry", "203.0.113.50, 70.41.3.18", "", "192.0.2.1:1", "203.0.113.50"},
		{"x-real-ip", "", "198.51.100.23", "192.0.2.1:1", "198.51.100.23"},
		{"remote addr", "", "", "192.0.2.1:12345", "192.0.2.1"},
		{"xff wins over x-real-ip", "203.0.113.50", "198.51.100.23", "192.0.2.1:1", "203.0.113.50"},
		{"invalid xff falls back", "not-an-ip", "", "192.0.2.1:12345", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/webhooks/xero", nil)
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			r.RemoteAddr = tt.remoteAddr

			if got := clientIP(r); got != netip.MustParseAddr(tt.want) {
				t.Errorf("clientIP = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLog_DropsWhenFull(t *testing.T) {
	w := NewWriter(&memorySink{}, discardLogger())
	// Don't start the background goroutine; nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(Event{Action: ActionCredentialStored})
	}
	w.Log(Event{Action: "dropped"})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLogFromRequest_UsesTenantScope(t *testing.T) {
	w := NewWriter(&memorySink{}, discardLogger())

	tnt := &tenant.Tenant{ID: uuid.New(), Name: "Acme", Status: tenant.StatusActive}
	r := httptest.NewRequest("DELETE", "/api/v1/integrations/xero", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")

	_ = tenant.RunWithContext(r.Context(), tnt, "corr-1", func(ctx context.Context) error {
		w.LogFromRequest(r.WithContext(ctx), "xero", ActionCredentialRevoked, map[string]any{"existed": true})
		return nil
	})

	e := <-w.entries
	if e.TenantID != tnt.ID {
		t.Errorf("TenantID = %v, want %v", e.TenantID, tnt.ID)
	}
	if e.Provider != "xero" || e.Action != ActionCredentialRevoked {
		t.Errorf("event = %+v", e)
	}
	if e.IPAddress == nil || *e.IPAddress != netip.MustParseAddr("198.51.100.23") {
		t.Errorf("IPAddress = %v, want 198.51.100.23", e.IPAddress)
	}
	if e.ID == uuid.Nil || e.CreatedAt.IsZero() {
		t.Error("expected ID and CreatedAt to be populated")
	}
}

func TestWriter_FlushesOnClose(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, discardLogger())
	w.Start(context.Background())

	tenantID := uuid.New()
	for i := 0; i < flushBatch+3; i++ {
		w.Record(context.Background(), tenantID, "quickbooks", ActionCredentialRefreshed, nil)
	}
	w.Close()

	got := sink.all()
	if len(got) != flushBatch+3 {
		t.Fatalf("flushed %d events, want %d", len(got), flushBatch+3)
	}
	for _, e := range got {
		if e.TenantID != tenantID {
			t.Errorf("TenantID = %v, want %v", e.TenantID, tenantID)
		}
	}

	// Recording after close must not panic.
	w.Record(context.Background(), tenantID, "quickbooks", ActionCredentialRefreshed, nil)
}
