package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/pkg/cipherbox"
	"github.com/wisbric/ledgerowl/pkg/tenant"
)

type mapLookup struct {
	keys  map[string]*KeyRecord
	err   error
	calls int
}

func (m *mapLookup) LookupKey(_ context.Context, hash string) (*KeyRecord, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.keys[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return rec, nil
}

type countingLimiter struct {
	blocked  bool
	failures map[string]int
}

func (l *countingLimiter) Check(_ context.Context, _ string) (*RateLimitResult, error) {
	if l.blocked {
		return &RateLimitResult{Allowed: false, RetryAt: time.Now().Add(30 * time.Second)}, nil
	}
	return &RateLimitResult{Allowed: true}, nil
}

func (l *countingLimiter) Record(_ context.Context, ip string) error {
	l.failures[ip]++
	return nil
}

type authFixture struct {
	box     *cipherbox.Box
	lookup  *mapLookup
	limiter *countingLimiter
	rawKey  string
	record  *KeyRecord
	handler http.Handler
	got     *Identity
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	box, err := cipherbox.New("auth-test-master-secret")
	if err != nil {
		t.Fatalf("cipherbox.New: %v", err)
	}
	raw, err := box.GenerateAPIKey("lo")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	f := &authFixture{
		box:     box,
		rawKey:  raw,
		record:  &KeyRecord{ID: uuid.New(), TenantID: uuid.New(), KeyPrefix: raw[:11]},
		limiter: &countingLimiter{failures: map[string]int{}},
	}
	f.lookup = &mapLookup{keys: map[string]*KeyRecord{HashAPIKey(raw): f.record}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := Middleware(&APIKeyAuthenticator{Verifier: box, Lookup: f.lookup}, f.limiter, logger)
	f.handler = mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

func (f *authFixture) serve(header, value string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	if header != "" {
		r.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func TestHashAPIKey(t *testing.T) {
	h1 := HashAPIKey("test-key-123")
	if h1 != HashAPIKey("test-key-123") {
		t.Fatal("same key produced different hashes")
	}
	if h1 == HashAPIKey("different-key") {
		t.Fatal("different keys produced the same hash")
	}
	if len(h1) != 64 {
		t.Fatalf("hash length = %d, want 64", len(h1))
	}
}

func TestMiddleware_ValidKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		prefix string
	}{
		{"x-api-key header", APIKeyHeader, ""},
		{"bearer", "Authorization", "Bearer "},
		{"lowercase bearer", "Authorization", "bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t)
			w := f.serve(tt.header, tt.prefix+f.rawKey)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if f.got == nil {
				t.Fatal("expected identity in context")
			}
			if f.got.TenantID != f.record.TenantID {
				t.Errorf("TenantID = %s, want %s", f.got.TenantID, f.record.TenantID)
			}
			if f.got.APIKeyID != f.record.ID {
				t.Errorf("APIKeyID = %s, want %s", f.got.APIKeyID, f.record.ID)
			}
			if f.got.Method != MethodAPIKey {
				t.Errorf("Method = %q, want %q", f.got.Method, MethodAPIKey)
			}
		})
	}
}

func TestMiddleware_NoAuth(t *testing.T) {
	f := newAuthFixture(t)
	w := f.serve("", "")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["error"] != "unauthorized" {
		t.Errorf("error = %q, want %q", resp["error"], "unauthorized")
	}
	if len(f.limiter.failures) != 0 {
		t.Error("a missing key must not count as a failed attempt")
	}
}

func TestMiddleware_ForgedKeySkipsLookup(t *testing.T) {
	f := newAuthFixture(t)
	forged := f.rawKey[:len(f.rawKey)-4] + "AAAA"

	w := f.serve(APIKeyHeader, forged)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if f.lookup.calls != 0 {
		t.Errorf("lookup called %d times for a forged key", f.lookup.calls)
	}
	if f.limiter.failures["203.0.113.7"] != 1 {
		t.Errorf("failures = %v, want one for 203.0.113.7", f.limiter.failures)
	}
}

func TestMiddleware_RevokedKey(t *testing.T) {
	f := newAuthFixture(t)
	delete(f.lookup.keys, HashAPIKey(f.rawKey))

	w := f.serve(APIKeyHeader, f.rawKey)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if f.lookup.calls != 1 {
		t.Errorf("lookup calls = %d, want 1", f.lookup.calls)
	}
}

func TestMiddleware_LookupError(t *testing.T) {
	f := newAuthFixture(t)
	f.lookup.err = errors.New("connection reset")

	w := f.serve(APIKeyHeader, f.rawKey)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestMiddleware_RateLimited(t *testing.T) {
	f := newAuthFixture(t)
	f.limiter.blocked = true

	w := f.serve(APIKeyHeader, f.rawKey)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if f.got != nil {
		t.Error("handler ran for a rate limited client")
	}
}

func TestTenantResolver(t *testing.T) {
	tenantID := uuid.New()
	resolver := TenantResolver()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := resolver.Resolve(r); err == nil {
		t.Error("expected error without identity")
	}

	r = r.WithContext(NewContext(r.Context(), &Identity{TenantID: tenantID, Method: MethodAPIKey}))
	got, err := resolver.Resolve(r)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != tenantID {
		t.Errorf("Resolve = %s, want %s", got, tenantID)
	}

	var _ tenant.Resolver = resolver
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "10.0.0.2:80", "198.51.100.1"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.2:80", "198.51.100.2"},
		{"remote addr", nil, "192.0.2.4:4000", "192.0.2.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
