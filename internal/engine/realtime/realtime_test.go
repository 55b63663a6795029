package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marcus/reconcile/internal/engine/remoteclient"
)

func TestMarkEchoAndRecentlyEchoed(t *testing.T) {
	s := &Subscriber{}
	if s.RecentlyEchoed("r1") {
		t.Fatal("expected no echo recorded yet")
	}
	s.MarkEcho("r1")
	if !s.RecentlyEchoed("r1") {
		t.Fatal("expected r1 to be recently echoed right after marking")
	}
	if s.RecentlyEchoed("r2") {
		t.Fatal("expected an unrelated id to not be echoed")
	}
}

func TestRunReachesConnectedAndDeliversEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		ev := remoteclient.ChangeEvent{Op: "INSERT", Table: "notes", Row: remoteclient.Row{
			ID: "r1", UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}}
		line, _ := json.Marshal(ev)
		fmt.Fprintf(w, "%s\n", line)
		if flusher != nil {
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer ts.Close()

	client := remoteclient.New(ts.URL, "")
	received := make(chan remoteclient.ChangeEvent, 1)
	s := &Subscriber{Remote: client, Tables: []string{"notes"}, OnChange: func(ev remoteclient.ChangeEvent) {
		received <- ev
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case ev := <-received:
		if ev.Row.ID != "r1" {
			t.Fatalf("expected row r1, got %q", ev.Row.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an event within 2s")
	}
	if s.State() != StateConnected {
		t.Fatalf("expected StateConnected, got %s", s.State())
	}
	if !s.RecentlyEchoed("r1") {
		t.Fatal("expected the delivered row to be marked as echoed")
	}
}

func TestPauseDisconnectsAndStopsDelivery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		if flusher != nil {
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer ts.Close()

	client := remoteclient.New(ts.URL, "")
	s := &Subscriber{Remote: client, Tables: []string{"notes"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.State() != StateConnecting && s.State() != StateConnected {
		time.Sleep(5 * time.Millisecond)
	}

	s.Pause()
	if s.State() != StateDisconnected {
		t.Fatalf("expected Pause to leave the subscriber disconnected, got %s", s.State())
	}
}

func TestRunExhaustsReconnectBudgetAndSettlesOnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := remoteclient.New(ts.URL, "")
	s := &Subscriber{Remote: client, Tables: []string{"notes"}}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected Run to return nil once the reconnect budget is exhausted, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("expected Run to give up within 10s of repeated immediate failures")
	}
	if s.State() != StateError {
		t.Fatalf("expected StateError after exhausting reconnect attempts, got %s", s.State())
	}
}
