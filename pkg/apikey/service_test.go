package apikey

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/ledgerowl/internal/auth"
	"github.com/wisbric/ledgerowl/pkg/cipherbox"
)

var (
	boxOnce sync.Once
	testBox *cipherbox.Box
)

func sharedBox(t *testing.T) *cipherbox.Box {
	t.Helper()
	boxOnce.Do(func() {
		b, err := cipherbox.New("apikey-test-master-secret")
		if err != nil {
			panic(err)
		}
		testBox = b
	})
	return testBox
}

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, sharedBox(t), slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestService_CreateStoresOnlyHash(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	tenantID := uuid.New()

	resp, err := svc.Create(ctx, tenantID, CreateRequest{Description: "desktop sync"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.RawKey, "lo_"))
	assert.True(t, sharedBox(t).VerifyAPIKey(resp.RawKey))
	assert.Equal(t, resp.RawKey[:displayPrefixLen], resp.KeyPrefix)

	keys, err := store.List(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, auth.HashAPIKey(resp.RawKey), keys[0].KeyHash)
	assert.NotContains(t, keys[0].KeyHash, resp.RawKey)
}

func TestService_IssueAndAuthenticate(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	tenantID := uuid.New()

	raw, err := svc.Issue(ctx, tenantID, "initial key")
	require.NoError(t, err)

	authn := &auth.APIKeyAuthenticator{Verifier: sharedBox(t), Lookup: svc}
	id, err := authn.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, tenantID, id.TenantID)
	assert.Equal(t, raw[:displayPrefixLen], id.KeyPrefix)

	assert.Eventually(t, func() bool {
		keys, _ := store.List(ctx, tenantID)
		return len(keys) == 1 && keys[0].LastUsed != nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Delete(ctx, tenantID, id.APIKeyID))
	_, err = authn.Authenticate(ctx, raw)
	assert.ErrorIs(t, err, auth.ErrInvalidKey)
}

func TestService_DeleteIsTenantScoped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()

	resp, err := svc.Create(ctx, owner, CreateRequest{Description: "ci"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, other, resp.ID), ErrNotFound)

	items, err := svc.List(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, svc.Delete(ctx, owner, resp.ID))
	assert.ErrorIs(t, svc.Delete(ctx, owner, resp.ID), ErrNotFound)
}

func TestService_KeysFromAnotherBoxAreRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	otherBox, err := cipherbox.New("a-different-master-secret")
	require.NoError(t, err)
	foreign, err := otherBox.GenerateAPIKey(KeyPrefix)
	require.NoError(t, err)

	authn := &auth.APIKeyAuthenticator{Verifier: sharedBox(t), Lookup: svc}
	_, err = authn.Authenticate(ctx, foreign)
	assert.ErrorIs(t, err, auth.ErrInvalidKey)
}
