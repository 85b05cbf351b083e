package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferColumnAliases(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "single alias",
			query: "RETURN 1 AS x",
			want:  []string{"x"},
		},
		{
			name:  "mixed aliased and raw",
			query: "MATCH (n:Entity) RETURN n.name AS name, n.id, count(n) AS total",
			want:  []string{"name", "n.id", "total"},
		},
		{
			name:  "lowercase keywords",
			query: "match (n) return n.name as label",
			want:  []string{"label"},
		},
		{
			name:  "distinct prefix",
			query: "MATCH (n) RETURN DISTINCT n.kind AS kind",
			want:  []string{"kind"},
		},
		{
			name:  "trailing modifiers trimmed",
			query: "MATCH (n) RETURN n.name AS name ORDER BY name SKIP 5 LIMIT 10",
			want:  []string{"name"},
		},
		{
			name:  "comma inside call is not a separator",
			query: "RETURN coalesce(n.a, n.b) AS v, n.c AS w",
			want:  []string{"v", "w"},
		},
		{
			name:  "AS inside string literal ignored",
			query: "RETURN 'x AS y' AS label",
			want:  []string{"label"},
		},
		{
			name:  "backquoted alias unwrapped",
			query: "RETURN n.x AS `odd name`",
			want:  []string{"odd name"},
		},
		{
			name:  "RETURN inside string ignored",
			query: "MATCH (n) WHERE n.note = 'please RETURN this' RETURN n.id AS id",
			want:  []string{"id"},
		},
		{
			name:  "no return clause",
			query: "CREATE (n:Entity {id: 1})",
			want:  nil,
		},
		{
			name:  "returns keyword is not RETURN",
			query: "MATCH (n) WHERE n.returns > 0 RETURN n.returns AS r",
			want:  []string{"r"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, inferColumnAliases(tc.query))
		})
	}
}

func TestTranslateDialect(t *testing.T) {
	assert.Equal(t, "RETURN to_int64(n.x)", translateDialect("RETURN toInteger(n.x)"))
	assert.Equal(t, "RETURN to_int64(n.x)", translateDialect("RETURN toInteger (n.x)"))
	assert.Equal(t, "RETURN to_double(n.y)", translateDialect("RETURN toFloat(n.y)"))
	assert.Equal(t, "RETURN current_timestamp()", translateDialect("RETURN datetime()"))
	assert.Equal(t, "RETURN current_timestamp()", translateDialect("RETURN timestamp()"))
	assert.Equal(t, "RETURN to_int64('7')", translateDialect("RETURN TOINTEGER('7')"))

	// No rule applies: the query flows through unchanged.
	q := "MATCH (n) RETURN n.datetimeValue"
	assert.Equal(t, q, translateDialect(q))
}
