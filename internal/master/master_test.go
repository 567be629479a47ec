package master

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/clock/system"
	hashsha256 "github.com/JakeFAU/archive-scanner/internal/hash/sha256"
	"github.com/JakeFAU/archive-scanner/internal/output"
	pubmemory "github.com/JakeFAU/archive-scanner/internal/publisher/memory"
	"github.com/JakeFAU/archive-scanner/internal/query"
	"github.com/JakeFAU/archive-scanner/internal/store/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewAccessKey() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("key-%d", g.n), nil
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newCoordinator(t *testing.T, cfg Config, st *memory.Store) (*Coordinator, *pubmemory.Publisher) {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = "s3cret"
	}
	pub := pubmemory.New()
	c, err := New(cfg, Deps{
		Store:    st,
		Clock:    system.NewFrozen(epoch),
		ItemIDs:  hashsha256.New(),
		IDs:      &seqIDs{},
		Notifier: pub,
	}, zap.NewNop())
	require.NoError(t, err)
	return c, pub
}

func start(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func idOf(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return hex.EncodeToString(sum[:])
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	st := memory.New(nil, nil)
	deps := Deps{Store: st, Clock: system.NewFrozen(epoch), ItemIDs: hashsha256.New(), IDs: &seqIDs{}}

	_, err := New(Config{}, deps, nil)
	require.Error(t, err, "secret required")
	_, err = New(Config{Secret: "x", Purge: "sometimes"}, deps, nil)
	require.Error(t, err)
	_, err = New(Config{Secret: "x"}, Deps{Store: st}, nil)
	require.Error(t, err)

	c, err := New(Config{Secret: "x", Debug: true}, deps, nil)
	require.NoError(t, err)
	require.Equal(t, PurgeNone, c.Config().Purge)
	require.Equal(t, DefaultDebugLocator, c.Config().DebugLocator)
}

func TestParsePurgeMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    PurgeMode
		wantErr bool
	}{
		{"", PurgeNone, false},
		{"dispense", PurgeDispense, false},
		{" Complete ", PurgeComplete, false},
		{"none", PurgeNone, false},
		{"always", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePurgeMode(tt.raw)
		if tt.wantErr {
			require.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		require.Equal(t, tt.want, got)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()

	c, _ := newCoordinator(t, Config{}, memory.New(nil, nil))

	_, err := c.Register("wrong")
	require.ErrorIs(t, err, ErrForbidden)

	sess, err := c.Register("s3cret")
	require.NoError(t, err)
	require.Equal(t, "key-1", sess.AccessKey)
	require.Equal(t, epoch, sess.IssuedAt)
	require.Equal(t, 1, c.Sessions())

	got, err := c.Authenticate("key-1")
	require.NoError(t, err)
	require.Equal(t, "key-1", got.AccessKey)

	_, err = c.Authenticate("")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = c.Authenticate("key-404")
	require.ErrorIs(t, err, ErrUnauthorized)

	c.Unregister("key-1")
	_, err = c.Authenticate("key-1")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSessions_Expire(t *testing.T) {
	t.Parallel()

	c, _ := newCoordinator(t, Config{SessionTTL: 50 * time.Millisecond}, memory.New(nil, nil))
	_, err := c.Register("s3cret")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	_, err = c.Authenticate("key-1")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestLease_PurgeNone(t *testing.T) {
	t.Parallel()

	st := memory.New([]string{"cc/a.warc.gz", "cc/b.warc.gz"}, nil)
	c, pub := newCoordinator(t, Config{Topic: "done"}, st)
	start(t, c)
	ctx := context.Background()

	first, err := c.Lease(ctx)
	require.NoError(t, err)
	require.Equal(t, "cc/a.warc.gz", first.Location)
	require.Equal(t, idOf("cc/a.warc.gz"), first.ID)

	second, err := c.Lease(ctx)
	require.NoError(t, err)
	require.Equal(t, "cc/b.warc.gz", second.Location, "leased locators are not handed out twice")

	_, err = c.Lease(ctx)
	require.ErrorIs(t, err, ErrNoWork)

	require.NoError(t, c.Complete(ctx, first.ID))
	require.Equal(t, []string{"cc/a.warc.gz", "cc/b.warc.gz"}, st.Inputs())
	_, err = c.Lease(ctx)
	require.ErrorIs(t, err, ErrNoWork, "completed locators stay excluded")

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "done", msgs[0].Topic)
	notice, ok := msgs[0].Payload.(CompletionNotice)
	require.True(t, ok)
	require.Equal(t, first.ID, notice.ID)
	require.Equal(t, "cc/a.warc.gz", notice.Location)
}

func TestLease_PurgeDispense(t *testing.T) {
	t.Parallel()

	st := memory.New([]string{"cc/a.warc.gz", "cc/b.warc.gz"}, nil)
	c, _ := newCoordinator(t, Config{Purge: PurgeDispense}, st)
	start(t, c)

	item, err := c.Lease(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cc/a.warc.gz", item.Location)
	require.Equal(t, []string{"cc/b.warc.gz"}, st.Inputs())

	require.NoError(t, c.Complete(context.Background(), item.ID))
	require.Equal(t, []string{"cc/b.warc.gz"}, st.Inputs())
}

func TestLease_PurgeComplete(t *testing.T) {
	t.Parallel()

	st := memory.New([]string{"cc/a.warc.gz", "cc/b.warc.gz"}, nil)
	c, pub := newCoordinator(t, Config{Purge: PurgeComplete}, st)
	start(t, c)
	ctx := context.Background()

	item, err := c.Lease(ctx)
	require.NoError(t, err)
	require.Len(t, st.Inputs(), 2, "leasing does not remove the row")

	require.NoError(t, c.Complete(ctx, item.ID))
	require.Equal(t, []string{"cc/b.warc.gz"}, st.Inputs())
	require.Empty(t, pub.Messages(), "no topic configured")

	require.NoError(t, c.Complete(ctx, "unknown"), "malformed completions are advisory")
	require.NoError(t, c.Complete(ctx, idOf("cc/never-leased.warc.gz")), "unknown completions are advisory")
	require.Equal(t, []string{"cc/b.warc.gz"}, st.Inputs())
}

func TestLease_Debug(t *testing.T) {
	t.Parallel()

	st := memory.New([]string{"cc/a.warc.gz"}, nil)
	c, _ := newCoordinator(t, Config{Debug: true, DebugLocator: "cc/debug.warc.gz"}, st)
	start(t, c)

	for range 3 {
		item, err := c.Lease(context.Background())
		require.NoError(t, err)
		require.Equal(t, "cc/debug.warc.gz", item.Location)
		require.Equal(t, idOf("cc/debug.warc.gz"), item.ID)
	}
	require.Equal(t, []string{"cc/a.warc.gz"}, st.Inputs())
}

func TestQueries_FromStore(t *testing.T) {
	t.Parallel()

	good, err := query.Encode(query.Fixture())
	require.NoError(t, err)
	anon := query.Fixture()
	anon.ID = ""
	anonDef, err := query.Encode(anon)
	require.NoError(t, err)

	st := memory.New(nil, []string{good, "{not json", anonDef})
	c, _ := newCoordinator(t, Config{}, st)
	start(t, c)

	records, err := c.Queries(context.Background())
	require.NoError(t, err)
	require.Equal(t, []query.Record{
		{ID: query.FixtureID, Definition: good},
		{ID: "query-2", Definition: anonDef},
	}, records)
}

func TestQueries_DebugFixtures(t *testing.T) {
	t.Parallel()

	st := memory.New(nil, []string{"ignored"})
	c, _ := newCoordinator(t, Config{Debug: true, DebugQueries: 3}, st)
	start(t, c)

	records, err := c.Queries(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "debug-2", records[2].ID)
	queries, err := query.DecodeRecords(records)
	require.NoError(t, err)
	require.Equal(t, query.FixtureID, queries[0].ID)
}

func TestAcceptOutputs(t *testing.T) {
	t.Parallel()

	st := memory.New(nil, nil)
	c, _ := newCoordinator(t, Config{}, st)
	start(t, c)

	body, err := json.Marshal(output.Batch{Outputs: []output.Output{
		{QueryID: "q1", URL: "http://a"},
		{QueryID: "q2", URL: "http://b"},
	}})
	require.NoError(t, err)

	require.Zero(t, c.AcceptOutputs(body))
	require.Eventually(t, func() bool { return len(st.Outputs()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), c.AcceptOutputs([]byte("{broken")))

	var out output.Output
	require.NoError(t, json.Unmarshal(st.Outputs()[0], &out))
	require.Equal(t, "q1", out.QueryID)

	st.FailOutputs(errors.New("disk full"))
	c.AcceptOutputs(body)
	require.Eventually(t, func() bool { return c.Accepted() == 4 }, time.Second, 5*time.Millisecond)
	require.Len(t, st.Outputs(), 2)
}

func TestCheckSchema(t *testing.T) {
	t.Parallel()

	st := memory.New(nil, nil)
	st.SetMissingTables("outputs")

	lenient, _ := newCoordinator(t, Config{}, st)
	require.NoError(t, lenient.CheckSchema(context.Background()))

	strict, _ := newCoordinator(t, Config{StrictSchema: true}, st)
	require.ErrorContains(t, strict.CheckSchema(context.Background()), "outputs")
}

func TestStopped(t *testing.T) {
	t.Parallel()

	c, _ := newCoordinator(t, Config{}, memory.New([]string{"cc/a"}, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	_, err := c.Lease(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	require.Error(t, c.Run(context.Background()), "a coordinator runs once")
}

func TestComplete_NoticeFailureIsAdvisory(t *testing.T) {
	t.Parallel()

	st := memory.New([]string{"cc/a.warc.gz"}, nil)
	c, pub := newCoordinator(t, Config{Topic: "done"}, st)
	start(t, c)
	pub.Fail(errors.New("pubsub unavailable"))

	item, err := c.Lease(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Complete(context.Background(), item.ID))
	require.Empty(t, pub.Messages())
}

func TestLease_CompletedLeasesArePruned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, mode := range []PurgeMode{PurgeNone, PurgeComplete} {
		st := memory.New([]string{"cc/b.warc.gz", "cc/a.warc.gz", "cc/c.warc.gz"}, nil)
		c, _ := newCoordinator(t, Config{Purge: mode}, st)
		o := newOwner(c)

		var leased []string
		for range 3 {
			locator, id, err := o.lease(ctx)
			require.NoError(t, err)
			leased = append(leased, locator)
			_, ok := o.complete(ctx, id)
			require.True(t, ok)
			require.Empty(t, o.leases, "mode %s", mode)
		}
		require.Equal(t, []string{"cc/a.warc.gz", "cc/b.warc.gz", "cc/c.warc.gz"}, leased, "mode %s", mode)
		require.Equal(t, "cc/c.warc.gz", o.cursor)

		_, _, err := o.lease(ctx)
		require.ErrorIs(t, err, ErrNoWork, "mode %s", mode)
		_, ok := o.complete(ctx, idOf("cc/a.warc.gz"))
		require.False(t, ok, "a completed lease is forgotten")
	}
}

func TestAcceptOutputs_BoundedWaitWithoutRun(t *testing.T) {
	t.Parallel()

	st := memory.New(nil, nil)
	c, _ := newCoordinator(t, Config{OutputQueueDepth: 1, IngestWait: 20 * time.Millisecond}, st)

	body, err := json.Marshal(output.Batch{Outputs: []output.Output{
		{QueryID: "q1", URL: "http://a"},
		{QueryID: "q2", URL: "http://b"},
		{QueryID: "q3", URL: "http://c"},
	}})
	require.NoError(t, err)

	c.AcceptOutputs(body)
	require.Eventually(t, func() bool { return c.Dropped() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), c.Accepted())
	require.Empty(t, st.Outputs())
}
