package services_test

import (
	"errors"
	"strings"
	"testing"

	"bindery/internal/services"
)

type kindError struct{ kind string }

func (e kindError) Error() string     { return "typed failure" }
func (e kindError) ErrorKind() string { return e.kind }

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "convert", "run", "failed", base)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	for _, fragment := range []string{"convert", "run", "failed", "boom"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in error string %q", fragment, err.Error())
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestDetailsPrefersClassifierKind(t *testing.T) {
	err := services.Wrap(services.ErrTimeout, "download", "stream", "stalled", kindError{kind: "Timeout"})
	details := services.Details(err)
	if details.Kind != "Timeout" {
		t.Fatalf("expected classifier kind, got %q", details.Kind)
	}
	if details.Operation != "stream" {
		t.Fatalf("expected operation, got %q", details.Operation)
	}
	if details.Hint == "" {
		t.Fatal("expected hint")
	}
}

func TestDetailsMarkerFallback(t *testing.T) {
	err := services.Wrap(services.ErrConfiguration, "delivery", "token", "missing token file", nil)
	if kind := services.KindOf(err); kind != "configuration" {
		t.Fatalf("expected configuration kind, got %q", kind)
	}
	if got := services.Details(nil); got != (services.ErrorDetails{}) {
		t.Fatalf("expected empty details for nil error, got %+v", got)
	}
}
