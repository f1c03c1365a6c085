package audit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/pkg/tenant"
)

// Security event actions.
const (
	ActionCredentialStored    = "credential.stored"
	ActionCredentialRefreshed = "credential.refreshed"
	ActionCredentialRevoked   = "credential.revoked"
	ActionReauthRequired      = "credential.reauth_required"
	ActionConnectStarted      = "connect.started"
	ActionConnectStateInvalid = "connect.state_invalid"
	ActionSignatureInvalid    = "webhook.signature_invalid"
	ActionReplayRejected      = "webhook.replay_rejected"
	ActionReplayCheckDegraded = "webhook.replay_check_degraded"
	ActionAPIKeyCreated       = "api_key.created"
	ActionAPIKeyDeleted       = "api_key.deleted"
	ActionTenantSuspended     = "tenant.suspended"
	ActionTenantActivated     = "tenant.activated"
)

// Event is a single security-relevant occurrence. Detail must never carry
// secret material.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	Provider  string         `json:"provider,omitempty"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
	IPAddress *netip.Addr    `json:"ip_address,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink persists batches of events. The slice is reused after the call returns.
type Sink interface {
	InsertEvents(ctx context.Context, events []Event) error
}

// Writer is an async, buffered security event writer.
// Events are sent to an internal channel and flushed by a background goroutine.
type Writer struct {
	sink    Sink
	logger  *slog.Logger
	entries chan Event
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates a Writer. Call Start to begin processing events.
func NewWriter(sink Sink, logger *slog.Logger) *Writer {
	return &Writer{
		sink:    sink,
		logger:  logger,
		entries: make(chan Event, bufferSize),
	}
}

// Start begins the background goroutine that flushes events to the sink.
// It returns when the context is cancelled and all pending events are flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending events to be flushed. Events recorded after
// Close are dropped.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.entries)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Log enqueues an event. It never blocks the caller; if the buffer is full
// the event is dropped and a warning is logged.
func (w *Writer) Log(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("security event after close, dropping", "action", e.Action)
		return
	}

	select {
	case w.entries <- e:
	default:
		w.logger.Warn("security event buffer full, dropping event",
			"action", e.Action, "tenant_id", e.TenantID, "provider", e.Provider)
	}
}

// Record enqueues an event for tenantID, falling back to the tenant scope
// in ctx when tenantID is uuid.Nil.
func (w *Writer) Record(ctx context.Context, tenantID uuid.UUID, provider, action string, detail map[string]any) {
	if tenantID == uuid.Nil {
		tenantID = tenant.CurrentTenantID(ctx)
	}
	w.Log(Event{TenantID: tenantID, Provider: provider, Action: action, Detail: detail})
}

// LogFromRequest records an event enriched with the tenant scope and client
// IP of r.
func (w *Writer) LogFromRequest(r *http.Request, provider, action string, detail map[string]any) {
	e := Event{
		TenantID: tenant.CurrentTenantID(r.Context()),
		Provider: provider,
		Action:   action,
		Detail:   detail,
	}
	if ip := clientIP(r); ip.IsValid() {
		e.IPAddress = &ip
	}
	w.Log(e)
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.sink.InsertEvents(ctx, events); err != nil {
		w.logger.Error("writing security events", "error", err, "count", len(events))
	}
}

// clientIP extracts the client IP address from the request,
// preferring X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
