package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-scanner/internal/store"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock, "")
	require.NoError(t, err)
	return s, mock
}

func TestNewWithPool_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "ron; DROP TABLE queries")
	require.Error(t, err)

	s, err := NewWithPool(mock, "ron")
	require.NoError(t, err)
	require.Equal(t, "ron", s.queriesColumn)
}

func TestPeek(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT url FROM inputs WHERE url > \$1 ORDER BY url LIMIT 1`).
		WithArgs("commoncrawl/a.warc.gz").
		WillReturnRows(mock.NewRows([]string{"url"}).AddRow("commoncrawl/b.warc.gz"))
	mock.ExpectQuery("SELECT url FROM inputs").
		WithArgs("commoncrawl/b.warc.gz").
		WillReturnRows(mock.NewRows([]string{"url"}))

	url, err := s.Peek(context.Background(), "commoncrawl/a.warc.gz")
	require.NoError(t, err)
	require.Equal(t, "commoncrawl/b.warc.gz", url)

	_, err = s.Peek(context.Background(), url)
	require.ErrorIs(t, err, store.ErrEmpty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTake(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("DELETE FROM inputs").
		WillReturnRows(mock.NewRows([]string{"url"}).AddRow("commoncrawl/a.warc.gz"))
	mock.ExpectQuery("DELETE FROM inputs").
		WillReturnError(errors.New("connection reset"))

	url, err := s.Take(context.Background())
	require.NoError(t, err)
	require.Equal(t, "commoncrawl/a.warc.gz", url)

	_, err = s.Take(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrEmpty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM inputs WHERE url").
		WithArgs("commoncrawl/a.warc.gz").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.Remove(context.Background(), "commoncrawl/a.warc.gz"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryDefinitions(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT definition FROM queries").
		WillReturnRows(mock.NewRows([]string{"definition"}).AddRow(`{"id":"a"}`).AddRow(`{"id":"b"}`))

	defs, err := s.QueryDefinitions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{`{"id":"a"}`, `{"id":"b"}`}, defs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOutput(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	doc := []byte(`{"query_id":"q1"}`)
	mock.ExpectExec("INSERT INTO outputs").
		WithArgs(doc).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.InsertOutput(context.Background(), doc))
	require.Error(t, s.InsertOutput(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySchema(t *testing.T) {
	t.Parallel()

	want := []string{store.TableInputs, store.TableQueries, store.TableOutputs}

	t.Run("AllPresent", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("SELECT tablename FROM pg_catalog.pg_tables").
			WithArgs(want).
			WillReturnRows(mock.NewRows([]string{"tablename"}).AddRow("inputs").AddRow("queries").AddRow("outputs"))
		require.NoError(t, s.VerifySchema(context.Background()))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("SELECT tablename FROM pg_catalog.pg_tables").
			WithArgs(want).
			WillReturnRows(mock.NewRows([]string{"tablename"}).AddRow("inputs"))
		err := s.VerifySchema(context.Background())
		require.ErrorContains(t, err, "queries, outputs")
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNew_RequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
