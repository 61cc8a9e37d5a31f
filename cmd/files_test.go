package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	ray5agent "github.com/laserkit/Ray5Agent"
)

// fakeEngraver serves just enough of the board's HTTP surface for one batch
// session: identify succeeds, listings always fail, uploads land after the
// first failed listing so its error event reaches the driver first.
type fakeEngraver struct {
	listingHit  chan struct{}
	listingOnce sync.Once
}

func (f *fakeEngraver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/command":
		fmt.Fprint(w, "FW version: 3.0.2\ncurrent WiFi Mode: STA (84:CC:A8:7F:52:E4)\n")
	case "/files":
		f.listingOnce.Do(func() { close(f.listingHit) })
		http.Error(w, "sd busy", http.StatusServiceUnavailable)
	case "/upload":
		select {
		case <-f.listingHit:
		case <-time.After(2 * time.Second):
		}
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, "ok")
	default:
		http.NotFound(w, r)
	}
}

func TestRunSessionBatchToleratesRefreshFailure(t *testing.T) {
	engraver := &fakeEngraver{listingHit: make(chan struct{})}
	server := httptest.NewServer(engraver)
	defer server.Close()
	address := strings.TrimPrefix(server.URL, "http://")

	local := filepath.Join(t.TempDir(), "part.gc")
	if err := os.WriteFile(local, []byte("G0 X0\n"), 0o644); err != nil {
		t.Fatalf("write temp file failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := runSessionBatch(ctx, nil, address, ray5agent.BatchUpload, []string{local})
	if err != nil {
		t.Fatalf("a failed catalog refresh must not abort the batch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one item result, got %d", len(results))
	}
	if results[0].Failed() {
		t.Fatalf("upload item should have succeeded: %v", results[0].Err)
	}
}
