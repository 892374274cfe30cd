package zorel

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const blogSchema = `
	CREATE TABLE authors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT
	);
	CREATE TABLE profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		author_id INTEGER,
		bio TEXT
	);
	CREATE TABLE articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		author_id INTEGER,
		title TEXT,
		published INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		article_id INTEGER,
		body TEXT
	);
	CREATE TABLE tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE
	);
	CREATE TABLE articles_tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		article_id INTEGER NOT NULL,
		tag_id INTEGER NOT NULL,
		position INTEGER
	);
`

const blogData = `
	INSERT INTO authors (id, name) VALUES (1, 'mariano'), (2, 'larry'), (3, 'garrett');
	INSERT INTO profiles (id, author_id, bio) VALUES (1, 1, 'writes tests');
	INSERT INTO articles (id, author_id, title, published) VALUES
		(1, 1, 'First Article', 1),
		(2, 3, 'Second Article', 1),
		(3, 1, 'Third Article', 0);
	INSERT INTO comments (id, article_id, body) VALUES
		(1, 1, 'First Comment'),
		(2, 1, 'Second Comment'),
		(3, 2, 'Third Comment');
	INSERT INTO tags (id, name) VALUES (1, 'cake'), (2, 'framework'), (3, 'php'), (4, 'awesome');
	INSERT INTO articles_tags (id, article_id, tag_id, position) VALUES
		(1, 1, 1, 1),
		(2, 1, 2, 2),
		(3, 2, 3, 1);
`

// blog is the registry used by the integration tests:
//
//	Authors  hasOne Profiles, hasMany Articles
//	Articles belongsTo Authors, hasMany Comments, belongsToMany Tags
//	Tags     belongsToMany Articles
type blog struct {
	db       *sql.DB
	conn     *Connection
	reg      *Registry
	authors  *Table
	articles *Table
	comments *Table
	tags     *Table
	junction *Table
}

func setupBlogDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection of an in-memory database is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(blogSchema)
	require.NoError(t, err)
	_, err = db.Exec(blogData)
	require.NoError(t, err)
	return db
}

func setupBlog(t *testing.T, opts ...Option) *blog {
	t.Helper()
	db := setupBlogDB(t)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	conn := NewConnection(db, opts...)
	reg := NewRegistry(conn)

	b := &blog{
		db:       db,
		conn:     conn,
		reg:      reg,
		authors:  reg.Define("Authors", TableConfig{}),
		articles: reg.Define("Articles", TableConfig{}),
		comments: reg.Define("Comments", TableConfig{}),
		tags:     reg.Define("Tags", TableConfig{}),
		junction: reg.Define("ArticlesTags", TableConfig{Table: "articles_tags"}),
	}

	b.authors.HasOne("Profiles", AssociationConfig{})
	b.authors.HasMany("Articles", AssociationConfig{Sort: []string{"Articles.id"}})
	b.articles.BelongsTo("Authors", AssociationConfig{})
	b.articles.HasMany("Comments", AssociationConfig{Sort: []string{"Comments.id"}})
	b.articles.BelongsToMany("Tags", AssociationConfig{Sort: []string{"Tags.id"}})
	b.tags.BelongsToMany("Articles", AssociationConfig{})
	return b
}

func (b *blog) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, b.db.QueryRow(query, args...).Scan(&n))
	return n
}

func (b *blog) get(t *testing.T, table *Table, id int64) *Entity {
	t.Helper()
	e, err := table.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func ids(entities []*Entity) []int64 {
	out := make([]int64, len(entities))
	for i, e := range entities {
		out[i], _ = e.Get("id").(int64)
	}
	return out
}
