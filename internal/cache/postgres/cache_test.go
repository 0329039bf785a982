package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func newMockCache(t *testing.T) (*Cache, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	c, err := NewWithPool(mock, "page_cache", "https://www.amazon.com", nil)
	require.NoError(t, err)
	return c, mock
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "", "", nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "pages; DROP TABLE x", "", nil)
	require.Error(t, err)

	c, err := NewWithPool(mock, "", "", nil)
	require.NoError(t, err)
	require.Equal(t, "page_cache", c.table)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	c, mock := newMockCache(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS page_cache").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, c.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetUpsertsRow(t *testing.T) {
	t.Parallel()

	c, mock := newMockCache(t)
	mock.ExpectExec("INSERT INTO page_cache").
		WithArgs("www.amazon.com", "https://www.amazon.com/orders", []byte("<html/>")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, c.Set(context.Background(), "https://www.amazon.com/orders", []byte("<html/>")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPropagatesErrors(t *testing.T) {
	t.Parallel()

	c, mock := newMockCache(t)
	mock.ExpectExec("INSERT INTO page_cache").
		WithArgs("www.amazon.com", "k", []byte("v")).
		WillReturnError(errors.New("boom"))

	require.Error(t, c.Set(context.Background(), "k", []byte("v")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHitAndMiss(t *testing.T) {
	t.Parallel()

	c, mock := newMockCache(t)
	mock.ExpectQuery("SELECT payload FROM page_cache").
		WithArgs("www.amazon.com", "hit").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow([]byte("cached")))
	mock.ExpectQuery("SELECT payload FROM page_cache").
		WithArgs("www.amazon.com", "miss").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT payload FROM page_cache").
		WithArgs("www.amazon.com", "broken").
		WillReturnError(errors.New("connection reset"))

	got, ok := c.Get(context.Background(), "hit")
	require.True(t, ok)
	require.Equal(t, "cached", string(got))

	_, ok = c.Get(context.Background(), "miss")
	require.False(t, ok)

	_, ok = c.Get(context.Background(), "broken")
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearDeletesNamespace(t *testing.T) {
	t.Parallel()

	c, mock := newMockCache(t)
	mock.ExpectExec("DELETE FROM page_cache").
		WithArgs("www.amazon.com").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, c.Clear(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
