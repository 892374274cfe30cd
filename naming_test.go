package zorel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNaming(t *testing.T) {
	tests := []struct {
		alias      string
		foreignKey string
		singular   string
		plural     string
		table      string
	}{
		{"Articles", "article_id", "article", "articles", "articles"},
		{"Authors", "author_id", "author", "authors", "authors"},
		{"Categories", "category_id", "category", "categories", "categories"},
		{"BlogPosts", "blog_post_id", "blog_post", "blog_posts", "blog_posts"},
		{"People", "person_id", "person", "people", "people"},
	}
	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			assert.Equal(t, tt.foreignKey, defaultForeignKey(tt.alias))
			assert.Equal(t, tt.singular, defaultProperty(tt.alias, true))
			assert.Equal(t, tt.plural, defaultProperty(tt.alias, false))
			assert.Equal(t, tt.table, defaultTableName(tt.alias))
		})
	}
}

func TestJunctionNaming(t *testing.T) {
	assert.Equal(t, "articles_tags", junctionTableName("tags", "articles"))
	assert.Equal(t, "articles_tags", junctionTableName("articles", "tags"))
	assert.Equal(t, "ArticlesTags", junctionAlias("articles_tags"))
	assert.Equal(t, "BlogPostsCategories", junctionAlias("blog_posts_categories"))
}
