package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/app"
	"github.com/eugener/gandalf/internal/provider"
	"github.com/eugener/gandalf/internal/testutil"
)

// memberAuth always authenticates as a non-admin member -- used to exercise
// the unmounted-route default's permission check distinctly from its
// authentication check.
type memberAuth struct{}

func (memberAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return &gateway.Identity{
		Subject:    "member",
		Role:       "member",
		Perms:      gateway.RolePermissions["member"],
		AuthMethod: "apikey",
	}, nil
}

func TestUnmountedRoute_RejectsUnauthenticatedBeforeReportingNotFound(t *testing.T) {
	t.Parallel()
	reg := provider.NewRegistry()
	routerSvc := app.NewRouterService(nil)
	h := New(Deps{
		Auth:   testutil.RejectAuth{},
		Proxy:  app.NewProxyService(reg, routerSvc, nil, nil, nil),
		Router: routerSvc,
	})

	req := httptest.NewRequest(http.MethodGet, "/this-route-does-not-exist", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401 (route existence must not leak to unauthenticated callers)", w.Code)
	}
}

func TestUnmountedRoute_RejectsNonAdminBeforeReportingNotFound(t *testing.T) {
	t.Parallel()
	reg := provider.NewRegistry()
	routerSvc := app.NewRouterService(nil)
	h := New(Deps{
		Auth:   memberAuth{},
		Proxy:  app.NewProxyService(reg, routerSvc, nil, nil, nil),
		Router: routerSvc,
	})

	req := httptest.NewRequest(http.MethodGet, "/this-route-does-not-exist", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403 (non-admin identity)", w.Code)
	}
}

func TestUnmountedRoute_AdminGetsCleanNotFound(t *testing.T) {
	t.Parallel()
	reg := provider.NewRegistry()
	routerSvc := app.NewRouterService(nil)
	h := New(Deps{
		Auth:   testutil.FakeAuth{},
		Proxy:  app.NewProxyService(reg, routerSvc, nil, nil, nil),
		Router: routerSvc,
	})

	req := httptest.NewRequest(http.MethodGet, "/this-route-does-not-exist", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404 (admin identity, route genuinely absent)", w.Code)
	}
}
