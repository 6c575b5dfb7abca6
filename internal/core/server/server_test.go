package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/core/router"
	"github.com/mohammed-shakir/editsync/internal/session"
)

func TestHandler_Routes(t *testing.T) {
	p := observability.NewProvider(observability.BuildInfo{Version: "test"})
	observability.Init(p.Registerer(), true)
	t.Cleanup(func() { observability.Init(nil, false) })

	mgr := session.NewManager(session.NewBinder(nil, nil, nil), config.Document{}, session.Options{})
	t.Cleanup(mgr.CloseAll)
	log := slog.New(slog.DiscardHandler)
	h := Handler(log, Deps{API: router.New(log, mgr, nil), Metrics: p.Handler()})

	cases := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/v1/sessions", http.StatusOK},
		{"/v1/sessions/missing", http.StatusNotFound},
		{"/metrics", http.StatusOK},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rr.Code != tc.want {
			t.Fatalf("%s status=%d want %d", tc.path, rr.Code, tc.want)
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s missing request id", tc.path)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "app_build_info") || !strings.Contains(body, `route="/v1/sessions/{id}"`) {
		t.Fatalf("metrics missing expected series")
	}
}
