package admission

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, caps Capacities) (*Client, *MemoryLanes) {
	t.Helper()
	lanes := NewMemoryLanes(caps)
	srv := httptest.NewServer(NewServer(lanes, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, zerolog.Nop()), lanes
}

func TestEnqueueIsIdempotent(t *testing.T) {
	client, _ := newTestServer(t, Capacities{Default: 1})
	ctx := context.Background()

	first, err := client.Enqueue(ctx, "a", "imagem")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Enqueue(ctx, "b", "imagem"); err != nil {
		t.Fatal(err)
	}
	again, err := client.Enqueue(ctx, "a", "imagem")
	if err != nil {
		t.Fatal(err)
	}
	if first.Position != 1 || again.Position != 1 {
		t.Errorf("expected position 1 both times, got %d and %d", first.Position, again.Position)
	}
}

func TestStatusReleasesInOrder(t *testing.T) {
	client, _ := newTestServer(t, Capacities{Default: 1, Lanes: map[string]int{"video": 2}})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := client.Enqueue(ctx, id, "imagem"); err != nil {
			t.Fatal(err)
		}
	}

	st, err := client.Status(ctx, "a", "imagem")
	if err != nil || !st.Released() {
		t.Fatalf("expected a released, got %+v, %v", st, err)
	}
	st, err = client.Status(ctx, "c", "imagem")
	if err != nil {
		t.Fatal(err)
	}
	if st.Released() || st.Position != 3 || st.Message == "" {
		t.Errorf("expected c waiting at 3 with a message, got %+v", st)
	}

	if err := client.Confirm(ctx, "a", "imagem"); err != nil {
		t.Fatal(err)
	}
	st, _ = client.Status(ctx, "b", "imagem")
	if !st.Released() {
		t.Errorf("expected b released after a confirmed, got %+v", st)
	}

	// Lanes are independent and honor their own capacity.
	client.Enqueue(ctx, "v1", "video")
	client.Enqueue(ctx, "v2", "video")
	st, _ = client.Status(ctx, "v2", "video")
	if !st.Released() {
		t.Errorf("expected second video holder released with capacity 2, got %+v", st)
	}
}

func TestStatusUnknownIsNotRegistered(t *testing.T) {
	client, _ := newTestServer(t, Capacities{Default: 1})

	_, err := client.Status(context.Background(), "ghost", "imagem")
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	client, _ := newTestServer(t, Capacities{Default: 1})
	ctx := context.Background()

	client.Enqueue(ctx, "a", "imagem")
	if err := client.Confirm(ctx, "a", "imagem"); err != nil {
		t.Fatal(err)
	}
	if err := client.Confirm(ctx, "a", "imagem"); err != nil {
		t.Errorf("second confirm should succeed, got %v", err)
	}
}

func TestEnqueueRejectionCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusTooManyRequests, "Fila cheia")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, zerolog.Nop())
	_, err := client.Enqueue(context.Background(), "a", "imagem")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Detail != "Fila cheia" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestServerValidatesRequests(t *testing.T) {
	client, _ := newTestServer(t, Capacities{Default: 1})

	_, err := client.Enqueue(context.Background(), "", "imagem")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %v", err)
	}
}

func TestServerLogsRequestsAsJSON(t *testing.T) {
	var buf bytes.Buffer
	router := NewServer(NewMemoryLanes(Capacities{Default: 1}), zerolog.New(&buf)).Router()
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	line := buf.String()
	for _, want := range []string{`"component":"admission_server"`, `"path":"/health"`, `"status":200`, `"request_id":`} {
		if !strings.Contains(line, want) {
			t.Errorf("log %q missing %s", line, want)
		}
	}
}

func TestMemoryLanesReap(t *testing.T) {
	lanes := NewMemoryLanes(Capacities{Default: 1})
	now := time.Unix(1_700_000_000, 0)
	lanes.now = func() time.Time { return now }
	ctx := context.Background()

	lanes.Enqueue(ctx, "imagem", "holder")
	lanes.Enqueue(ctx, "imagem", "waiter")

	now = now.Add(5 * time.Minute)
	policy := ReapPolicy{StaleAfter: 2 * time.Minute, HoldLimit: 30 * time.Minute}
	n, err := lanes.Reap(ctx, policy)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected only the silent waiter reaped, got %d", n)
	}
	if _, err := lanes.Status(ctx, "imagem", "waiter"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("waiter should be gone, got %v", err)
	}
	if st, err := lanes.Status(ctx, "imagem", "holder"); err != nil || !st.Released() {
		t.Errorf("holder should still be released, got %+v, %v", st, err)
	}

	now = now.Add(31 * time.Minute)
	if n, _ := lanes.Reap(ctx, policy); n != 1 {
		t.Errorf("expected holder reaped after hold limit, got %d", n)
	}
}
