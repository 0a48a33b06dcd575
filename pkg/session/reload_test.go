package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/xdt/pkg/config"
	"github.com/openfroyo/xdt/pkg/telemetry"
	"github.com/openfroyo/xdt/pkg/xdt"
)

const keyLocatorScript = `
namespace = "acme"

def ByKey(parent, args):
    return parent + "[@key='" + args[0] + "']"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestReloader(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "acme.star")
	writeFile(t, scriptPath, keyLocatorScript)

	load := func() (*config.Config, error) {
		cfg := config.Default()
		cfg.Sources = []config.SourceConfig{
			{Kind: config.SourcePath, Namespace: "acme", Path: scriptPath},
		}
		return cfg, nil
	}

	reloaded := make(chan error, 4)
	r := NewReloader(load, zerolog.Nop(), WithTelemetry(telemetry.NewNop()))
	r.Delay = 100 * time.Millisecond
	r.OnReload = func(_ *Session, err error) { reloaded <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Failed to start reloader: %v", err)
	}
	defer r.Close(context.Background())

	first := r.Current()
	if _, err := Construct[xdt.Locator](ctx, first, "ByKey"); err != nil {
		t.Fatalf("Failed to construct from initial session: %v", err)
	}
	if _, err := Construct[xdt.Locator](ctx, first, "ByName"); err == nil {
		t.Fatal("expected ByName to be unknown before the change")
	}

	writeFile(t, scriptPath, keyLocatorScript+`
def ByName(parent, args):
    return parent + "[@name='" + args[0] + "']"
`)

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	second := r.Current()
	if second == first {
		t.Fatal("expected a new session after reload")
	}
	if _, err := Construct[xdt.Locator](ctx, second, "ByName"); err != nil {
		t.Errorf("Failed to construct reloaded type: %v", err)
	}
	if _, err := first.ConstructAs(ctx, "ByKey", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected previous session to be closed, got %v", err)
	}
}

func TestReloaderConfigFailure(t *testing.T) {
	calls := 0
	load := func() (*config.Config, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("broken configuration")
		}
		return config.Default(), nil
	}

	var notified error
	r := NewReloader(load, zerolog.Nop(), WithTelemetry(telemetry.NewNop()))
	r.OnReload = func(_ *Session, err error) { notified = err }

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Failed to start reloader: %v", err)
	}
	defer r.Close(ctx)

	first := r.Current()
	if err := r.Reload(ctx); err == nil {
		t.Fatal("expected reload to fail")
	}
	if notified == nil {
		t.Error("expected OnReload to receive the failure")
	}
	if r.Current() != first {
		t.Error("expected previous session to stay active")
	}
	if _, err := Construct[xdt.Locator](ctx, first, "Condition"); err != nil {
		t.Errorf("Failed to construct from kept session: %v", err)
	}
}

func TestReloaderClose(t *testing.T) {
	r := NewReloader(func() (*config.Config, error) { return config.Default(), nil },
		zerolog.Nop(), WithTelemetry(telemetry.NewNop()))

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Failed to start reloader: %v", err)
	}
	s := r.Current()

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Failed to close reloader: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
	if r.Current() != nil {
		t.Error("expected no active session after close")
	}
	if err := s.LoadAll(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected session to be closed, got %v", err)
	}
	if err := r.Reload(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected reload after close to fail, got %v", err)
	}
}

func TestReloaderStartFailure(t *testing.T) {
	r := NewReloader(func() (*config.Config, error) { return nil, errors.New("missing") }, zerolog.Nop())
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
}
