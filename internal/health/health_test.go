package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/limiterd/internal/xerrors"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "").Check(context.Background()); err != nil {
		t.Fatalf("Fixed(true): %v", err)
	}

	err := Fixed(false, "not ready yet").Check(context.Background())
	if err == nil || err.Error() != "not ready yet" {
		t.Fatalf("Fixed(false) = %v", err)
	}

	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v, want generic reason", err)
	}
}

func TestAll(t *testing.T) {
	ok := Fixed(true, "")
	bad := Fixed(false, "limiter down")

	if err := All(ok, ok, nil).Check(context.Background()); err != nil {
		t.Fatalf("all passing: %v", err)
	}
	if err := All(ok, bad).Check(context.Background()); err == nil {
		t.Fatal("All should fail when one probe fails")
	}
}

func TestAny(t *testing.T) {
	ok := Fixed(true, "")
	bad := Fixed(false, "down")

	if err := Any(bad, ok).Check(context.Background()); err != nil {
		t.Fatalf("Any with one passing: %v", err)
	}
	if err := Any(bad, bad).Check(context.Background()); err == nil {
		t.Fatal("Any with all failing should fail")
	}
	if err := Any().Check(context.Background()); err == nil {
		t.Fatal("Any with no probes should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("open gate: %v", err)
	}

	g.Set("draining")
	err := p.Check(context.Background())
	if err == nil || err.Error() != "draining" {
		t.Fatalf("closed gate = %v", err)
	}

	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate: %v", err)
	}
}

func TestHealthzHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthzHandler(Fixed(true, "")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/healthy", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	HealthzHandler(CheckFunc(func(context.Context) error {
		return xerrors.New("broken")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/healthy", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "broken") {
		t.Fatalf("body should carry the reason, got %q", rec.Body.String())
	}
}

func TestReadyzHandler_NilProbe(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadyzHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for nil probe", rec.Code)
	}
}
