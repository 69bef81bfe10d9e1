package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func collectStream(t *testing.T, server *httptest.Server, fromSeq int64) ([]Event, error) {
	t.Helper()

	client := NewClient(server.URL, "", zap.NewNop())
	job := Job{ID: "job-1", Source: SourceLearning}
	sink := make(chan Event, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.StreamEvents(context.Background(), job, fromSeq, sink)
	}()

	events := make([]Event, 0, 8)
	for event := range sink {
		events = append(events, event)
	}
	select {
	case err := <-errCh:
		return events, err
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not terminate")
		return nil, nil
	}
}

func TestStreamEventsParsesWireFormat(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing accept header")
		}
		if r.URL.Query().Get("since_seq") != "5" {
			t.Errorf("unexpected since_seq: %q", r.URL.Query().Get("since_seq"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		body := ": keepalive\n" +
			"event: gepa.candidate.scored\n" +
			"data: {\"seq\": 6, \"data\": {\"candidate_id\": \"c1\"}}\n" +
			"\n" +
			"data: {\"seq\": 7,\n" +
			"data:  \"type\": \"progress\"}\n" +
			"\n"
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	events, err := collectStream(t, server, 5)
	if err != nil {
		t.Fatalf("StreamEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Seq != 6 || events[0].Type != "gepa.candidate.scored" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[0].Data["candidate_id"] != "c1" {
		t.Fatalf("payload not decoded: %v", events[0].Data)
	}
	if events[1].Seq != 7 || events[1].Type != "progress" {
		t.Fatalf("multi-line data event wrong: %+v", events[1])
	}
}

func TestStreamEventsDropsMalformedData(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "data: {not json\n" +
			"\n" +
			"data: {\"seq\": 9}\n" +
			"\n"
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	events, err := collectStream(t, server, 0)
	if err != nil {
		t.Fatalf("StreamEvents returned error: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 9 {
		t.Fatalf("malformed unit should be skipped, got %+v", events)
	}
}

func TestStreamEventsUsesSSEIDWhenSeqAbsent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "id: 12\n" +
			"data: {\"type\": \"heartbeat\"}\n" +
			"\n"
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	events, err := collectStream(t, server, 0)
	if err != nil {
		t.Fatalf("StreamEvents returned error: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 12 {
		t.Fatalf("expected id: line to supply seq, got %+v", events)
	}
}

func TestStreamEventsDropsUnitsWithoutSequence(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "data: {\"type\": \"heartbeat\"}\n" +
			"\n" +
			"id: checkpoint-3\n" +
			"data: {\"type\": \"heartbeat\"}\n" +
			"\n" +
			"data: {\"seq\": 4, \"type\": \"progress\"}\n" +
			"\n"
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	events, err := collectStream(t, server, 0)
	if err != nil {
		t.Fatalf("StreamEvents returned error: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 4 {
		t.Fatalf("expected only the sequenced event, got %+v", events)
	}
}

func TestStreamEventsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte(": keepalive\n"))
		if flusher != nil {
			flusher.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, "", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	sink := make(chan Event, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.StreamEvents(ctx, Job{ID: "j", Source: SourceLearning}, 0, sink)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("expected clean cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not stop after cancel")
	}
}

func TestStreamEventsErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such job", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := collectStream(t, server, 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.NotFound() {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}
