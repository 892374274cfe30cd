package zorel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStmtCache_ReusesAndEvicts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conn := NewConnection(db, WithStmtCache(1), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()

	selectTag := "SELECT id FROM tags WHERE name = ?"
	prep := mock.ExpectPrepare(regexp.QuoteMeta(selectTag))
	prep.ExpectQuery().WithArgs("go").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	prep.ExpectQuery().WithArgs("php").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	prep.WillBeClosed()
	mock.ExpectPrepare("DELETE FROM tags").ExpectExec().WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))

	for _, name := range []string{"go", "php"} {
		rows, err := conn.query(ctx, selectTag, []any{name})
		require.NoError(t, err)
		require.True(t, rows.Next())
		require.NoError(t, rows.Close())
	}
	assert.Equal(t, 1, conn.stmts.Len())

	_, err = conn.exec(ctx, "DELETE", "DELETE FROM tags WHERE id = ?", []any{3})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.stmts.Len())
	assert.Equal(t, int64(2), conn.Stats().TotalQueries)
	assert.Equal(t, int64(1), conn.Stats().TotalExecs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStmtCache_PrepareFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conn := NewConnection(db, WithStmtCache(4), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	mock.ExpectPrepare("SELECT").WillReturnError(fmt.Errorf("no such table: tagz"))
	_, err = conn.query(context.Background(), "SELECT id FROM tagz", nil)

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "PREPARE", qe.Operation)
	assert.Equal(t, 0, conn.stmts.Len())
	assert.Equal(t, int64(1), conn.Stats().Errors)
}

func TestStmtCache_EagerLoadingAndTransactions(t *testing.T) {
	b := setupBlog(t, WithStmtCache(16))
	ctx := context.Background()

	for range 2 {
		articles, err := b.articles.Query().Contain("Comments").Contain("Tags").OrderBy("Articles.id").All(ctx)
		require.NoError(t, err)
		require.Len(t, articles, 3)
		assert.Equal(t, []int64{1, 2}, ids(articles[0].Entities("comments")))
		assert.Equal(t, []int64{1, 2}, ids(articles[0].Entities("tags")))
	}
	cached := b.conn.stmts.Len()
	assert.Positive(t, cached)

	// cached statements are rebound to the transaction
	err := b.conn.Transactional(ctx, func(ctx context.Context) error {
		articles, err := b.articles.Query().Contain("Comments").Contain("Tags").OrderBy("Articles.id").All(ctx)
		if err != nil {
			return err
		}
		assert.Len(t, articles, 3)
		return b.articles.Save(ctx, NewEntity("Articles", map[string]any{"title": "Fourth Article", "author_id": int64(2)}))
	})
	require.NoError(t, err)
	assert.Equal(t, cached, b.conn.stmts.Len())
	assert.Equal(t, 4, b.count(t, "SELECT COUNT(*) FROM articles"))
}

func TestStmtCache_EvictionWhileInUse(t *testing.T) {
	db := setupBlogDB(t)
	cache := NewStmtCache(2)
	t.Cleanup(cache.Clear)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for w := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 20 {
				query := fmt.Sprintf("SELECT id FROM tags WHERE id > %d", (w+i)%5)
				stmt, release, err := cache.acquire(ctx, db, query)
				if err != nil {
					errs <- err
					return
				}
				rows, err := stmt.QueryContext(ctx)
				if err == nil {
					for rows.Next() {
					}
					err = rows.Close()
				}
				release()
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, cache.Len(), 2)

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}
