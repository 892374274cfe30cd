package zorel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Get(t *testing.T) {
	b := setupBlog(t)
	ctx := context.Background()

	author, err := b.authors.Get(ctx, int64(3))
	require.NoError(t, err)
	assert.Equal(t, "garrett", author.Get("name"))
	assert.False(t, author.IsNew())
	assert.False(t, author.IsDirty())

	_, err = b.authors.Get(ctx, int64(42))
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = b.authors.Get(ctx, int64(1), int64(2))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestTable_ExistsUpdateAllDeleteAll(t *testing.T) {
	b := setupBlog(t)
	ctx := context.Background()

	ok, err := b.comments.Exists(ctx, Eq("Comments.article_id", 2))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := b.comments.UpdateAll(ctx, map[string]any{"body": "moderated"}, Eq("Comments.article_id", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2, b.count(t, "SELECT COUNT(*) FROM comments WHERE body = 'moderated'"))

	n, err = b.comments.UpdateAll(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = b.comments.DeleteAll(ctx, Eq("Comments.article_id", 2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = b.comments.Exists(ctx, Eq("Comments.article_id", 2))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTable_SaveHooks(t *testing.T) {
	b := setupBlog(t)
	ctx := context.Background()

	var after []bool
	b.tags.OnBeforeSave(func(_ context.Context, e *Entity) error {
		if e.Get("name") == "" {
			e.SetError("name", "cannot be empty")
			return nil
		}
		e.Set("name", "#"+e.Get("name").(string))
		return nil
	})
	b.tags.OnAfterSave(func(_ context.Context, e *Entity) error {
		after = append(after, e.IsNew())
		return nil
	})

	tag := NewEntity("Tags", map[string]any{"name": "go"})
	require.NoError(t, b.tags.Save(ctx, tag))
	assert.Equal(t, []bool{false}, after)
	assert.Equal(t, 1, b.count(t, "SELECT COUNT(*) FROM tags WHERE name = '#go'"))

	empty := NewEntity("Tags", map[string]any{"name": ""})
	err := b.tags.Save(ctx, empty)
	assert.ErrorIs(t, err, ErrInvalidEntity)
	assert.True(t, empty.IsNew())
	assert.Equal(t, 5, b.count(t, "SELECT COUNT(*) FROM tags"))
}

func TestTable_DeleteHooks(t *testing.T) {
	b := setupBlog(t)
	ctx := context.Background()

	errLocked := errors.New("comment is locked")
	var deleted []any
	b.comments.OnBeforeDelete(func(_ context.Context, e *Entity) error {
		if e.Get("id") == int64(1) {
			return errLocked
		}
		return nil
	})
	b.comments.OnAfterDelete(func(_ context.Context, e *Entity) error {
		deleted = append(deleted, e.Get("id"))
		return nil
	})

	ok, err := b.comments.Delete(ctx, b.get(t, b.comments, 1))
	assert.ErrorIs(t, err, errLocked)
	assert.False(t, ok)

	ok, err = b.comments.Delete(ctx, b.get(t, b.comments, 2))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []any{int64(2)}, deleted)
	assert.Equal(t, 2, b.count(t, "SELECT COUNT(*) FROM comments"))
}

func TestTable_SaveManyNonAtomic(t *testing.T) {
	b := setupBlog(t)
	ctx := context.Background()

	bad := NewEntity("Tags", map[string]any{"name": "x"})
	bad.SetError("name", "too short")
	good := NewEntity("Tags", map[string]any{"name": "golang"})

	err := b.tags.SaveMany(ctx, []*Entity{bad, good}, WithAtomic(false))
	assert.ErrorIs(t, err, ErrInvalidEntity)
	assert.False(t, good.IsNew())
	assert.Equal(t, 1, b.count(t, "SELECT COUNT(*) FROM tags WHERE name = 'golang'"))
}
