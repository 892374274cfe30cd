package zorel

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSQLRegistry builds the blog associations over a mock database. Only
// SQL rendering is exercised, so no expectation is ever set.
func newSQLRegistry(t *testing.T, opts ...Option) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := NewRegistry(NewConnection(db, opts...))
	authors := reg.Define("Authors", TableConfig{Columns: []string{"id", "name"}})
	articles := reg.Define("Articles", TableConfig{Columns: []string{"id", "author_id", "title", "published"}})
	reg.Define("Comments", TableConfig{Columns: []string{"id", "article_id", "body"}})
	reg.Define("Tags", TableConfig{Columns: []string{"id", "name"}})

	authors.HasMany("Articles", AssociationConfig{})
	articles.BelongsTo("Authors", AssociationConfig{})
	articles.HasMany("Comments", AssociationConfig{})
	articles.BelongsToMany("Tags", AssociationConfig{})
	return reg, mock
}

func renderSQL(t *testing.T, q *Query) (string, []any) {
	t.Helper()
	s, args, err := q.SQL(context.Background())
	require.NoError(t, err)
	return s, args
}

func TestQuery_SQL(t *testing.T) {
	reg, mock := newSQLRegistry(t)
	articles := reg.Get("Articles")

	tests := []struct {
		name     string
		query    *Query
		expected string
		args     []any
	}{
		{
			name:     "plain",
			query:    articles.Query(),
			expected: "SELECT Articles.* FROM articles AS Articles",
		},
		{
			name: "where order limit offset",
			query: articles.Query().
				Where(Eq("Articles.published", 1), Like("Articles.title", "%go%")).
				OrderBy("Articles.id DESC").
				Limit(10).
				Offset(20),
			expected: "SELECT Articles.* FROM articles AS Articles WHERE (Articles.published = ?) AND (Articles.title LIKE ?) ORDER BY Articles.id DESC LIMIT 10 OFFSET 20",
			args:     []any{1, "%go%"},
		},
		{
			name:     "offset without limit is dropped",
			query:    articles.Query().Offset(5),
			expected: "SELECT Articles.* FROM articles AS Articles",
		},
		{
			name:     "select qualifies bare fields",
			query:    articles.Query().Select("id", "Articles.title").Distinct(),
			expected: "SELECT DISTINCT Articles.id, Articles.title FROM articles AS Articles",
		},
		{
			name: "group by",
			query: articles.Query().
				Select("Articles.author_id", "COUNT(*) AS total").
				GroupBy("Articles.author_id"),
			expected: "SELECT Articles.author_id, COUNT(*) AS total FROM articles AS Articles GROUP BY Articles.author_id",
		},
		{
			name: "in tuple",
			query: articles.Query().
				Where(InTuple([]string{"Articles.id", "Articles.author_id"}, [][]any{{1, 2}, {3, 4}})),
			expected: "SELECT Articles.* FROM articles AS Articles WHERE (Articles.id, Articles.author_id) IN ((?, ?), (?, ?))",
			args:     []any{1, 2, 3, 4},
		},
		{
			name:     "empty in matches nothing",
			query:    articles.Query().Where(In("Articles.id")),
			expected: "SELECT Articles.* FROM articles AS Articles WHERE 1 = 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, args := renderSQL(t, tt.query)
			assert.Equal(t, tt.expected, s)
			assert.Equal(t, tt.args, args)
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_PostgresPlaceholders(t *testing.T) {
	reg, _ := newSQLRegistry(t, WithDialect(Dialects.PostgreSQL))

	s, args := renderSQL(t, reg.Get("Articles").Query().
		Where(Eq("Articles.published", true), In("Articles.id", 1, 2)))
	assert.Equal(t, "SELECT Articles.* FROM articles AS Articles WHERE (Articles.published = $1) AND (Articles.id IN ($2, $3))", s)
	assert.Equal(t, []any{true, 1, 2}, args)
}

func TestQuery_ContainJoinHydration(t *testing.T) {
	reg, _ := newSQLRegistry(t)

	s, _ := renderSQL(t, reg.Get("Articles").Query().Contain("Authors"))
	assert.Equal(t, `SELECT Articles.*, Authors.id AS "Authors__id", Authors.name AS "Authors__name" `+
		`FROM articles AS Articles LEFT JOIN authors AS Authors ON Authors.id = Articles.author_id`, s)

	s, _ = renderSQL(t, reg.Get("Articles").Query().Contain("Authors", WithFields("Authors.name")))
	assert.Equal(t, `SELECT Articles.*, Authors.name AS "Authors__name" `+
		`FROM articles AS Articles LEFT JOIN authors AS Authors ON Authors.id = Articles.author_id`, s)
}

func TestQuery_InnerJoinWithBelongsTo(t *testing.T) {
	reg, _ := newSQLRegistry(t)

	s, args := renderSQL(t, reg.Get("Articles").Query().InnerJoinWith("Authors", Eq("Authors.name", "mariano")))
	assert.Equal(t, "SELECT Articles.* FROM articles AS Articles "+
		"INNER JOIN authors AS Authors ON (Authors.id = Articles.author_id) AND (Authors.name = ?)", s)
	assert.Equal(t, []any{"mariano"}, args)
}

func TestQuery_MatchingBelongsToManySplitsConditions(t *testing.T) {
	reg, _ := newSQLRegistry(t)

	s, args := renderSQL(t, reg.Get("Articles").Query().
		Matching("Tags", Eq("ArticlesTags.position", 1), Eq("Tags.name", "php")))
	assert.Equal(t, "SELECT Articles.* FROM articles AS Articles "+
		"INNER JOIN articles_tags AS ArticlesTags ON (ArticlesTags.article_id = Articles.id) AND (ArticlesTags.position = ?) "+
		"INNER JOIN tags AS Tags ON (Tags.id = ArticlesTags.tag_id) AND (Tags.name = ?)", s)
	assert.Equal(t, []any{1, "php"}, args)
}

func TestQuery_MatchingNestedPath(t *testing.T) {
	reg, _ := newSQLRegistry(t)

	s, args := renderSQL(t, reg.Get("Authors").Query().
		Distinct().
		Matching("Articles.Comments", Eq("Comments.body", "spam")))
	assert.Equal(t, "SELECT DISTINCT Authors.* FROM authors AS Authors "+
		"INNER JOIN articles AS Articles ON Articles.author_id = Authors.id "+
		"INNER JOIN comments AS Comments ON (Comments.article_id = Articles.id) AND (Comments.body = ?)", s)
	assert.Equal(t, []any{"spam"}, args)
}

func TestQuery_NotMatching(t *testing.T) {
	reg, _ := newSQLRegistry(t)
	articles := reg.Get("Articles")

	s, args := renderSQL(t, articles.Query().NotMatching("Comments", Eq("Comments.body", "spam")))
	assert.Equal(t, "SELECT Articles.* FROM articles AS Articles WHERE "+
		"(Articles.id NOT IN (SELECT DISTINCT Comments.article_id FROM comments AS Comments "+
		"WHERE (Comments.body = ?) AND (Comments.article_id IS NOT NULL))) OR (Articles.id IS NULL)", s)
	assert.Equal(t, []any{"spam"}, args)

	s, _ = renderSQL(t, articles.Query().NotMatching("Authors"))
	assert.Equal(t, "SELECT Articles.* FROM articles AS Articles WHERE "+
		"(Articles.author_id NOT IN (SELECT DISTINCT Authors.id FROM authors AS Authors "+
		"WHERE Authors.id IS NOT NULL)) OR (Articles.author_id IS NULL)", s)

	s, args = renderSQL(t, articles.Query().NotMatching("Tags", Eq("Tags.name", "php")))
	assert.Equal(t, "SELECT Articles.* FROM articles AS Articles WHERE "+
		`(Articles.id NOT IN (SELECT DISTINCT ArticlesTags.article_id AS "ArticlesTags__article_id" FROM tags AS Tags `+
		"INNER JOIN articles_tags AS ArticlesTags ON ArticlesTags.tag_id = Tags.id "+
		"WHERE (Tags.name = ?) AND (ArticlesTags.article_id IS NOT NULL))) OR (Articles.id IS NULL)", s)
	assert.Equal(t, []any{"php"}, args)
}

func TestQuery_Errors(t *testing.T) {
	reg, _ := newSQLRegistry(t)
	articles := reg.Get("Articles")

	tests := []struct {
		name  string
		query *Query
	}{
		{"join alias collides with root", articles.Query().Join(JoinInner, "articles", "Articles")},
		{"join alias used twice", articles.Query().Join(JoinInner, "a", "X").Join(JoinLeft, "b", "X")},
		{"join strategy on plural", articles.Query().Contain("Comments", WithStrategy(StrategyJoin))},
		{"unknown strategy", articles.Query().Contain("Comments", WithStrategy("eager"))},
		{"empty path segment", articles.Query().Contain("Authors..Profiles")},
		{"plural hydration", articles.Query().Contain("Tags", WithStrategy(StrategyJoin))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.query.SQL(context.Background())
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}

	_, _, err := articles.Query().Matching("Reviews").SQL(context.Background())
	assert.ErrorIs(t, err, ErrAssociationNotFound)
	_, _, err = articles.Query().NotMatching("Reviews").SQL(context.Background())
	assert.ErrorIs(t, err, ErrAssociationNotFound)
}

func TestQuery_CloneIsIndependent(t *testing.T) {
	reg, _ := newSQLRegistry(t)

	base := reg.Get("Articles").Query().Where(Eq("Articles.published", 1))
	clone := base.Clone().Where(Eq("Articles.author_id", 3)).Contain("Authors")

	s, _ := renderSQL(t, base)
	assert.Equal(t, "SELECT Articles.* FROM articles AS Articles WHERE Articles.published = ?", s)
	s, _ = renderSQL(t, clone)
	assert.Contains(t, s, "LEFT JOIN authors AS Authors")
	assert.Contains(t, s, "(Articles.published = ?) AND (Articles.author_id = ?)")
}
