package zorel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blogConfig = `
connection:
  driver: sqlite3
  dsn: ":memory:"
  slow_threshold: 250ms
  stmt_cache: 16
  sticky_primary: 2s
  max_open_conns: 1
tables:
  Authors:
    associations:
      - name: Articles
        type: hasMany
        sort: [Articles.id]
        dependent: true
  Articles:
    columns: [id, author_id, title, published]
    associations:
      - name: Authors
        type: belongsTo
      - name: PublishedComments
        type: hasMany
        class_name: Comments
        conditions:
          PublishedComments.body: First Comment
      - name: Tags
        type: belongsToMany
        save_strategy: append
  ArticlesTags:
    table: articles_tags
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(blogConfig))
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Connection.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Connection.SlowThreshold)
	assert.Equal(t, 1, cfg.Connection.MaxOpenConns)
	assert.Equal(t, 16, cfg.Connection.StmtCache)
	assert.Equal(t, 2*time.Second, cfg.Connection.StickyPrimary)
	require.Len(t, cfg.Tables, 3)

	articles := cfg.Tables["Articles"]
	assert.Equal(t, []string{"id", "author_id", "title", "published"}, articles.Columns)
	require.Len(t, articles.Associations, 3)
	assert.Equal(t, "Comments", articles.Associations[1].ClassName)
	assert.Equal(t, SaveStrategyAppend, articles.Associations[2].SaveStrategy)
	assert.True(t, cfg.Tables["Authors"].Associations[0].Dependent)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "tables:\n  Authors:\n    primary: id\n"},
		{"missing name", "tables:\n  Authors:\n    associations:\n      - type: hasMany\n"},
		{"unknown type", "tables:\n  Authors:\n    associations:\n      - name: Articles\n        type: hasSeveral\n"},
		{"unknown strategy", "tables:\n  Authors:\n    associations:\n      - name: Articles\n        type: hasMany\n        strategy: lazy\n"},
		{"not yaml", "tables: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zorel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blogConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Tables, 3)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Apply(t *testing.T) {
	cfg, err := ParseConfig([]byte(blogConfig))
	require.NoError(t, err)

	db := setupBlogDB(t)
	reg := NewRegistry(NewConnection(db))
	require.NoError(t, cfg.Apply(reg))

	articles := reg.Get("Articles")
	a, err := articles.Association("PublishedComments")
	require.NoError(t, err)
	assert.Equal(t, OneToMany, a.Type())
	assert.Same(t, reg.Get("Comments"), a.Target())
	assert.Equal(t, []string{"article_id"}, a.ForeignKey())

	a, err = reg.Get("Authors").Association("Articles")
	require.NoError(t, err)
	assert.True(t, a.Dependent())

	require.NoError(t, reg.Validate(context.Background()))

	rows, err := articles.Query().
		Where(Eq("Articles.id", 1)).
		Contain("PublishedComments").
		Contain("Tags").
		All(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []int64{1}, ids(rows[0].Entities("published_comments")))
	assert.ElementsMatch(t, []int64{1, 2}, ids(rows[0].Entities("tags")))
}

func TestConfig_Open(t *testing.T) {
	cfg, err := ParseConfig([]byte(blogConfig))
	require.NoError(t, err)

	conn, err := cfg.Open()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, Dialects.SQLite3, conn.Dialect())
	assert.Equal(t, 1, conn.DB().Stats().MaxOpenConnections)
	require.NotNil(t, conn.stmts)

	_, err = (&Config{}).Open()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestConfig_OpenReplicas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blog.db")
	cfg := &Config{Connection: ConnectionConfig{
		Driver:   "sqlite3",
		DSN:      path,
		Replicas: []string{path, path},
	}}

	conn, err := cfg.Open()
	require.NoError(t, err)
	require.NotNil(t, conn.resolver)
	assert.True(t, conn.resolver.HasReplicas())
	assert.Same(t, conn.DB(), conn.resolver.Primary())

	ctx := context.Background()
	_, err = conn.exec(ctx, "CREATE", "CREATE TABLE tags (id INTEGER PRIMARY KEY, name TEXT)", nil)
	require.NoError(t, err)
	_, err = conn.exec(ctx, "INSERT", "INSERT INTO tags (name) VALUES (?)", []any{"go"})
	require.NoError(t, err)

	// reads outside a transaction go to a replica
	names, err := conn.queryStrings(ctx, "SELECT name FROM tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, names)

	require.NoError(t, conn.Close())
	assert.Error(t, conn.resolver.ReplicaAt(0).Ping())
	assert.Error(t, conn.DB().Ping())

	cfg.Connection.Replicas = []string{path}
	cfg.Connection.Driver = "oracle"
	_, err = cfg.Open()
	assert.Error(t, err)
}
