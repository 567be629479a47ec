package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-scanner/internal/output"
	"github.com/JakeFAU/archive-scanner/internal/protocol"
	"github.com/JakeFAU/archive-scanner/internal/query"
)

type fakeMaster struct {
	mu        sync.Mutex
	keys      []string
	pushed    []output.Batch
	completed []string
	empty     bool
}

func (m *fakeMaster) record(r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, r.Header.Get(protocol.HeaderAccessKey))
}

func (m *fakeMaster) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	mux.HandleFunc("/handshake", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, protocol.Greeting)
	})
	mux.HandleFunc("/register/{secret}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("secret") != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, protocol.Envelope[protocol.Session]{Data: protocol.Session{AccessKey: "key-1"}})
	})
	mux.HandleFunc("/queries/", func(w http.ResponseWriter, r *http.Request) {
		m.record(r)
		writeJSON(w, protocol.Envelope[protocol.QuerySet]{Data: protocol.QuerySet{
			Queries: []query.Record{{ID: "q1", Definition: "{}"}},
		}})
	})
	mux.HandleFunc("/source/", func(w http.ResponseWriter, r *http.Request) {
		m.record(r)
		if r.Header.Get(protocol.HeaderAccessKey) != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		m.mu.Lock()
		empty := m.empty
		m.mu.Unlock()
		if empty {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, protocol.Envelope[protocol.WorkItem]{Data: protocol.WorkItem{Location: "bkt/a.warc.gz", ID: "abc"}})
	})
	mux.HandleFunc("POST /output/", func(w http.ResponseWriter, r *http.Request) {
		var b output.Batch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
		m.mu.Lock()
		m.pushed = append(m.pushed, b)
		m.mu.Unlock()
		writeJSON(w, protocol.Envelope[protocol.OutputAck]{Data: protocol.OutputAck{NewOutputs: 42}})
	})
	mux.HandleFunc("POST /complete_source/{id}", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.completed = append(m.completed, r.PathValue("id"))
		m.mu.Unlock()
		writeJSON(w, protocol.Envelope[protocol.Ack]{Data: protocol.Ack{OK: true}})
	})
	mux.HandleFunc("/unregister/", func(w http.ResponseWriter, r *http.Request) {
		m.record(r)
		writeJSON(w, protocol.Envelope[protocol.Ack]{Data: protocol.Ack{OK: true}})
	})
	return mux
}

func newClient(t *testing.T, m *fakeMaster) *Client {
	t.Helper()
	srv := httptest.NewServer(m.handler(t))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return c
}

func TestClient_FullSession(t *testing.T) {
	t.Parallel()

	m := &fakeMaster{}
	c := newClient(t, m)
	ctx := context.Background()

	require.NoError(t, c.Handshake(ctx))

	key, err := c.Register(ctx, "s3cret")
	require.NoError(t, err)
	require.Equal(t, "key-1", key)

	records, err := c.Queries(ctx)
	require.NoError(t, err)
	require.Equal(t, []query.Record{{ID: "q1", Definition: "{}"}}, records)

	item, err := c.Lease(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.WorkItem{Location: "bkt/a.warc.gz", ID: "abc"}, item)

	total, err := c.PushOutputs(ctx, output.Batch{Outputs: []output.Output{{QueryID: "q1"}}})
	require.NoError(t, err)
	require.Equal(t, int64(42), total)

	require.NoError(t, c.Complete(ctx, item.ID))
	require.NoError(t, c.Unregister(ctx))
	require.Empty(t, c.AccessKey())

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, []string{"abc"}, m.completed)
	require.Len(t, m.pushed, 1)
	require.Equal(t, []string{"key-1", "key-1", "key-1"}, m.keys)
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()

	m := &fakeMaster{}
	c := newClient(t, m)
	ctx := context.Background()

	_, err := c.Register(ctx, "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Lease(ctx)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Register(ctx, "s3cret")
	require.NoError(t, err)
	m.mu.Lock()
	m.empty = true
	m.mu.Unlock()
	_, err = c.Lease(ctx)
	require.ErrorIs(t, err, ErrNoWork)
}

func TestClient_HandshakeMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "who are you")
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	require.ErrorIs(t, c.Handshake(context.Background()), ErrHandshake)
}

func TestClient_StatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Queries(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.Status)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "localhost:8080"})
	require.Error(t, err)
}
