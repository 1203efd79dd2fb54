package reloader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeLoader struct {
	mu      sync.Mutex
	calls   int
	tenants []string
	err     error
	block   chan struct{}
}

func (f *fakeLoader) ReloadAll(ctx context.Context, tenantIDs []string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.tenants = tenantIDs
	return f.err
}

func (f *fakeLoader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewInvalidSchedule(t *testing.T) {
	if _, err := New("every now and then", &fakeLoader{}, nil); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestRun(t *testing.T) {
	loader := &fakeLoader{}
	r, err := New("@every 1h", loader, []string{"acme"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	r.Run()
	if loader.count() != 1 || loader.tenants[0] != "acme" {
		t.Errorf("unexpected loader state: %+v", loader)
	}
	if runs, err := r.Runs(); runs != 1 || err != nil {
		t.Errorf("expected 1 clean run, got %d, %v", runs, err)
	}

	loader.err = errors.New("db down")
	r.Run()
	if runs, err := r.Runs(); runs != 2 || err == nil {
		t.Errorf("expected failed second run, got %d, %v", runs, err)
	}
}

func TestRunSkipsOverlap(t *testing.T) {
	loader := &fakeLoader{block: make(chan struct{})}
	r, _ := New("@every 1h", loader, nil)

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	// Wait for the first run to hold the running flag.
	deadline := time.Now().Add(time.Second)
	for {
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if running || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	r.Run()
	close(loader.block)
	<-done

	if loader.count() != 1 {
		t.Errorf("expected overlapping run to be skipped, got %d calls", loader.count())
	}
}

func TestSchedule(t *testing.T) {
	loader := &fakeLoader{}
	r, err := New("@every 1s", loader, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for loader.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if loader.count() == 0 {
		t.Error("expected a scheduled reload")
	}
}
