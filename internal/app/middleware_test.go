package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func captureActor(t *testing.T) (http.Handler, **shared.Actor) {
	t.Helper()
	var captured *shared.Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return ActorMiddleware(discardLogger())(next), &captured
}

func TestActorMiddlewareParsesHeaders(t *testing.T) {
	handler, captured := captureActor(t)

	req := httptest.NewRequest(http.MethodGet, "/ledger/entries/1", nil)
	req.Header.Set("X-Actor-ID", "42")
	req.Header.Set("X-Tenant-ID", "7")
	req.Header.Set("X-Actor-Role", "ACCOUNTANT")
	req.Header.Set("X-Branch-ID", "3")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	actor := *captured
	require.NotNil(t, actor)
	require.Equal(t, int64(42), actor.ID)
	require.Equal(t, int64(7), actor.TenantID)
	require.Equal(t, shared.Role("ACCOUNTANT"), actor.Role)
	require.NotNil(t, actor.BranchID)
	require.Equal(t, int64(3), *actor.BranchID)
	require.Nil(t, actor.WarehouseID)
}

func TestActorMiddlewareAnonymousPassesThrough(t *testing.T) {
	handler, captured := captureActor(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, *captured)
}

func TestActorMiddlewareRejectsMalformedHeaders(t *testing.T) {
	handler, captured := captureActor(t)

	req := httptest.NewRequest(http.MethodGet, "/ledger/entries/1", nil)
	req.Header.Set("X-Actor-ID", "not-a-number")
	req.Header.Set("X-Tenant-ID", "7")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Nil(t, *captured)
}
