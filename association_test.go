package zorel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssociation_Defaults(t *testing.T) {
	reg, _ := newSQLRegistry(t)
	authors, articles, tags := reg.Get("Authors"), reg.Get("Articles"), reg.Get("Tags")

	tests := []struct {
		name       string
		assoc      Association
		typ        AssociationType
		foreignKey []string
		bindingKey []string
		property   string
		strategy   Strategy
		owning     *Table
	}{
		{
			name:       "belongsTo",
			assoc:      articles.BelongsTo("Authors", AssociationConfig{}),
			typ:        ManyToOne,
			foreignKey: []string{"author_id"},
			bindingKey: []string{"id"},
			property:   "author",
			strategy:   StrategyJoin,
			owning:     authors,
		},
		{
			name:       "hasOne",
			assoc:      authors.HasOne("Profiles", AssociationConfig{}),
			typ:        OneToOne,
			foreignKey: []string{"author_id"},
			bindingKey: []string{"id"},
			property:   "profile",
			strategy:   StrategyJoin,
			owning:     authors,
		},
		{
			name:       "hasMany",
			assoc:      authors.HasMany("BlogPosts", AssociationConfig{ClassName: "Articles"}),
			typ:        OneToMany,
			foreignKey: []string{"author_id"},
			bindingKey: []string{"id"},
			property:   "blog_posts",
			strategy:   StrategySelect,
			owning:     authors,
		},
		{
			name:       "belongsToMany",
			assoc:      tags.BelongsToMany("Articles", AssociationConfig{}),
			typ:        ManyToMany,
			foreignKey: []string{"tag_id"},
			bindingKey: []string{"id"},
			property:   "articles",
			strategy:   StrategySelect,
			owning:     tags,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.assoc
			require.NoError(t, a.Validate())
			assert.Equal(t, tt.typ, a.Type())
			assert.Equal(t, tt.foreignKey, a.ForeignKey())
			assert.Equal(t, tt.bindingKey, a.BindingKey())
			assert.Equal(t, tt.property, a.Property())
			assert.Equal(t, tt.strategy, a.Strategy())
			assert.True(t, a.IsOwningSide(tt.owning))
			assert.False(t, a.Dependent())
		})
	}
}

func TestAssociation_TargetResolvesLazily(t *testing.T) {
	reg, _ := newSQLRegistry(t)

	a := reg.Get("Articles").HasMany("Reviews", AssociationConfig{})
	assert.False(t, reg.Has("Reviews"))
	assert.Equal(t, "reviews", a.Target().Name())
	assert.True(t, reg.Has("Reviews"))
}

func TestAssociation_ExplicitKeysAndProperty(t *testing.T) {
	reg, _ := newSQLRegistry(t)

	a := reg.Get("Articles").BelongsTo("Editor", AssociationConfig{
		ClassName:    "Authors",
		ForeignKey:   []string{"editor_id"},
		PropertyName: "reviewed_by",
		Strategy:     StrategySelect,
	})
	require.NoError(t, a.Validate())
	assert.Same(t, reg.Get("Authors"), a.Target())
	assert.Equal(t, []string{"editor_id"}, a.ForeignKey())
	assert.Equal(t, "reviewed_by", a.Property())
	assert.Equal(t, StrategySelect, a.Strategy())
}

func TestAssociation_ValidateErrors(t *testing.T) {
	reg, _ := newSQLRegistry(t)
	articles := reg.Get("Articles")

	tests := []struct {
		name  string
		assoc Association
	}{
		{"arity mismatch", articles.BelongsTo("Owner", AssociationConfig{
			ClassName:  "Authors",
			ForeignKey: []string{"owner_id", "shop_id"},
		})},
		{"join strategy on plural", articles.HasMany("Notes", AssociationConfig{
			ClassName: "Comments",
			Strategy:  StrategyJoin,
		})},
		{"unknown strategy", articles.HasOne("Summary", AssociationConfig{Strategy: "lazy"})},
		{"many-to-many target key arity", articles.BelongsToMany("Labels", AssociationConfig{
			ClassName:        "Tags",
			TargetForeignKey: []string{"label_id", "label_kind"},
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.assoc.Validate(), ErrConfiguration)
		})
	}
}

func TestAssociation_ReplacedByName(t *testing.T) {
	reg, _ := newSQLRegistry(t)
	articles := reg.Get("Articles")

	articles.HasMany("Comments", AssociationConfig{Dependent: true})
	a, err := articles.Association("Comments")
	require.NoError(t, err)
	assert.True(t, a.Dependent())

	names := make([]string, 0)
	for _, a := range articles.Associations() {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"Authors", "Comments", "Tags"}, names)
}

func TestAssociation_NotFound(t *testing.T) {
	reg, _ := newSQLRegistry(t)

	_, err := reg.Get("Articles").Association("Reviews")
	assert.ErrorIs(t, err, ErrAssociationNotFound)
	assert.False(t, reg.Get("Articles").HasAssociation("Reviews"))
}

func TestBelongsToMany_JunctionRegistration(t *testing.T) {
	reg, _ := newSQLRegistry(t)
	articles, tags := reg.Get("Articles"), reg.Get("Tags")

	a, err := articles.Association("Tags")
	require.NoError(t, err)
	btm := a.(*BelongsToMany)

	j, err := btm.Junction()
	require.NoError(t, err)
	assert.Equal(t, "ArticlesTags", j.Alias())
	assert.Equal(t, "articles_tags", j.Name())
	assert.Equal(t, []string{"article_id", "tag_id"}, j.PrimaryKey())
	assert.Equal(t, []string{"tag_id"}, btm.TargetForeignKey())

	assert.True(t, j.HasAssociation("Articles"))
	assert.True(t, j.HasAssociation("Tags"))
	assert.True(t, articles.HasAssociation("ArticlesTags"))
	assert.False(t, tags.HasAssociation("ArticlesTags"))

	again, err := btm.Junction()
	require.NoError(t, err)
	assert.Same(t, j, again)

	// the other side shares the junction
	other := tags.BelongsToMany("Articles", AssociationConfig{})
	j2, err := other.Junction()
	require.NoError(t, err)
	assert.Same(t, j, j2)
	assert.Equal(t, []string{"article_id"}, other.TargetForeignKey())
}

func TestBelongsToMany_ThroughAndJoinTable(t *testing.T) {
	reg, _ := newSQLRegistry(t)
	articles := reg.Get("Articles")

	through := reg.Define("Taggings", TableConfig{Table: "taggings"})
	a := articles.BelongsToMany("Labels", AssociationConfig{ClassName: "Tags", Through: "Taggings"})
	j, err := a.Junction()
	require.NoError(t, err)
	assert.Same(t, through, j)
	assert.Equal(t, []string{"id"}, j.PrimaryKey())

	b := articles.BelongsToMany("Topics", AssociationConfig{ClassName: "Tags", JoinTable: "article_topics"})
	j, err = b.Junction()
	require.NoError(t, err)
	assert.Equal(t, "article_topics", j.Name())
	assert.Equal(t, "ArticleTopics", j.Alias())
}

func TestTargetKeysFollowAssociationName(t *testing.T) {
	reg, _ := newSQLRegistry(t)
	articles := reg.Get("Articles")

	categories := articles.BelongsToMany("Categories", AssociationConfig{ClassName: "Tags", JoinTable: "articles_categories"})
	assert.Equal(t, []string{"category_id"}, categories.TargetForeignKey())
	assert.Equal(t, []string{"article_id"}, categories.ForeignKey())

	writer := articles.BelongsTo("Writers", AssociationConfig{ClassName: "Authors"})
	assert.Equal(t, []string{"writer_id"}, writer.ForeignKey())

	j, err := categories.Junction()
	require.NoError(t, err)
	assert.Equal(t, []string{"article_id", "category_id"}, j.PrimaryKey())
}

func TestBelongsToMany_JunctionAliasCollision(t *testing.T) {
	reg, _ := newSQLRegistry(t)

	a := reg.Get("Articles").BelongsToMany("Related", AssociationConfig{ClassName: "Tags", Through: "Articles"})
	_, err := a.Junction()
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, a.Validate(), ErrConfiguration)
}

func TestBelongsToMany_SelfReference(t *testing.T) {
	reg, _ := newSQLRegistry(t)
	articles := reg.Get("Articles")

	a := articles.BelongsToMany("Related", AssociationConfig{
		ClassName:        "Articles",
		ForeignKey:       []string{"article_id"},
		TargetForeignKey: []string{"related_id"},
		JoinTable:        "related_articles",
	})
	j, err := a.Junction()
	require.NoError(t, err)
	assert.Equal(t, "RelatedArticles", j.Alias())
	assert.True(t, j.HasAssociation("Articles"))
	assert.Len(t, j.Associations(), 1)
}
