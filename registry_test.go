package zorel

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Validate(t *testing.T) {
	b := setupBlog(t)
	require.NoError(t, b.reg.Validate(context.Background()))
}

func TestRegistry_InferredTables(t *testing.T) {
	b := setupBlog(t)

	names, err := b.reg.InferredTables()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"authors", "articles", "comments", "tags", "articles_tags", "profiles"}, names)
}

func TestRegistry_ValidateMissingTable(t *testing.T) {
	b := setupBlog(t)
	b.articles.HasMany("Reviews", AssociationConfig{})

	err := b.reg.Validate(context.Background())
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "reviews")
}

func TestRegistry_ValidateMissingColumn(t *testing.T) {
	b := setupBlog(t)
	b.authors.HasMany("Drafts", AssociationConfig{ClassName: "Articles", ForeignKey: []string{"writer_id"}})

	err := b.reg.Validate(context.Background())
	require.ErrorIs(t, err, ErrConfiguration)
	var assocErr *AssociationError
	require.ErrorAs(t, err, &assocErr)
	assert.Equal(t, "Drafts", assocErr.Association)
	assert.Contains(t, err.Error(), "writer_id")
}

func TestRegistry_ValidateConfiguredColumns(t *testing.T) {
	b := setupBlog(t)
	b.reg.Define("Comments", TableConfig{Columns: []string{"id", "article_id", "body", "rating"}})

	err := b.reg.Validate(context.Background())
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "comments.rating")
}

func TestRegistry_ValidateArity(t *testing.T) {
	b := setupBlog(t)
	b.articles.BelongsTo("Owner", AssociationConfig{ClassName: "Authors", ForeignKey: []string{"owner_id", "shop_id"}})

	names, err := b.reg.InferredTables()
	assert.Nil(t, names)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRegistry_DefineReconfigures(t *testing.T) {
	b := setupBlog(t)

	again := b.reg.Define("Articles", TableConfig{Table: "posts", PrimaryKey: []string{"slug"}})
	assert.Same(t, b.articles, again)
	assert.Equal(t, "posts", again.Name())
	assert.Equal(t, []string{"slug"}, again.PrimaryKey())
}

func TestRegistry_PrintSchematic(t *testing.T) {
	b := setupBlog(t)
	_, err := b.reg.InferredTables()
	require.NoError(t, err)

	var buf bytes.Buffer
	b.reg.PrintSchematic(&buf)
	out := buf.String()

	assert.Contains(t, out, "SQL Dialect: sqlite3")
	assert.Contains(t, out, "t: Articles (articles) pk=[id]")
	assert.Contains(t, out, "t: ArticlesTags (articles_tags) pk=[id]")
	assert.Contains(t, out, "FOREIGN KEY")
	assert.Contains(t, out, "manyToOne")
	assert.Contains(t, out, "author_id")
	assert.Contains(t, out, "Articles N-N Tags through ArticlesTags (article_id -> tag_id)")
	assert.Contains(t, out, "Tags N-N Articles through ArticlesTags (tag_id -> article_id)")
}
