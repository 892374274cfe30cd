package zorel

import (
	"sort"
	"strings"

	"github.com/gertd/go-pluralize"
	"github.com/go-openapi/inflect"
	"github.com/iancoleman/strcase"
)

var pluralizer = pluralize.NewClient()

// singularSnake turns an alias like "BlogPosts" into "blog_post".
func singularSnake(alias string) string {
	return strcase.ToSnake(pluralizer.Singular(alias))
}

// defaultForeignKey is the conventional foreign key column for an alias.
func defaultForeignKey(alias string) string {
	return singularSnake(alias) + "_id"
}

// defaultProperty names the entity field an association is injected into.
func defaultProperty(alias string, singular bool) string {
	if singular {
		return singularSnake(alias)
	}
	return strcase.ToSnake(alias)
}

// defaultTableName derives a table name from a table alias ("BlogPosts" -> "blog_posts").
func defaultTableName(alias string) string {
	return inflect.Underscore(alias)
}

// junctionTableName is the sorted, underscore-joined pair of table names.
func junctionTableName(a, b string) string {
	names := []string{a, b}
	sort.Strings(names)
	return strings.Join(names, "_")
}

// junctionAlias converts a junction table name into a table alias
// ("articles_tags" -> "ArticlesTags").
func junctionAlias(table string) string {
	return inflect.Camelize(table)
}
