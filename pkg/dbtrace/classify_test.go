// Tests for adapter classification of raw query events.
package dbtrace

import (
	"errors"
	"testing"

	"github.com/andrewh/querytap/pkg/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPostgres(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		md   eventbus.Metadata
		want ParsedQuery
	}{
		{
			name: "explicit source",
			md: eventbus.Metadata{
				SourceTable: "orders",
				QueryText:   "SELECT o0.id FROM orders AS o0",
				Result:      eventbus.PostgresResult{Command: "select"},
			},
			want: ParsedQuery{Datastore: "Postgres", Table: "orders", Operation: "select"},
		},
		{
			name: "insert without source extracts quoted table",
			md: eventbus.Metadata{
				QueryText: `INSERT INTO "users" (id) VALUES (1)`,
				Result:    eventbus.PostgresResult{Command: "insert"},
			},
			want: ParsedQuery{Datastore: "Postgres", Table: "users", Operation: "insert"},
		},
		{
			name: "non-insert without source falls back",
			md: eventbus.Metadata{
				QueryText: "BEGIN",
				Result:    eventbus.PostgresResult{Command: "begin"},
			},
			want: ParsedQuery{Datastore: "Postgres", Table: "other", Operation: "begin"},
		},
		{
			name: "insert without quoted identifier falls back",
			md: eventbus.Metadata{
				QueryText: "INSERT INTO users (id) VALUES (1)",
				Result:    eventbus.PostgresResult{Command: "insert"},
			},
			want: ParsedQuery{Datastore: "Postgres", Table: "other", Operation: "insert"},
		},
		{
			name: "command verb is lower-cased",
			md: eventbus.Metadata{
				SourceTable: "orders",
				Result:      eventbus.PostgresResult{Command: "SELECT"},
			},
			want: ParsedQuery{Datastore: "Postgres", Table: "orders", Operation: "select"},
		},
		{
			name: "empty command defaults operation",
			md: eventbus.Metadata{
				SourceTable: "orders",
				Result:      eventbus.PostgresResult{},
			},
			want: ParsedQuery{Datastore: "Postgres", Table: "orders", Operation: "other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.md.Kind = eventbus.KindQuery
			got, err := ClassifyQuery(tt.md)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyMySQL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  ParsedQuery
	}{
		{
			name:  "select with backticks",
			query: "SELECT * FROM `products`",
			want:  ParsedQuery{Datastore: "MySQL", Table: "products", Operation: "select"},
		},
		{
			name:  "insert with backticks",
			query: "INSERT INTO `carts` (id) VALUES (?)",
			want:  ParsedQuery{Datastore: "MySQL", Table: "carts", Operation: "insert"},
		},
		{
			name:  "lowercase keywords",
			query: "select id from `products` where id = ?",
			want:  ParsedQuery{Datastore: "MySQL", Table: "products", Operation: "select"},
		},
		{
			name:  "select without backticks falls back",
			query: "SELECT * FROM products",
			want:  ParsedQuery{Datastore: "MySQL", Table: "other", Operation: "select"},
		},
		{
			name:  "other leading keyword",
			query: "UPDATE `products` SET price = ?",
			want:  ParsedQuery{Datastore: "MySQL", Table: "other", Operation: "other"},
		},
		{
			name:  "empty query",
			query: "",
			want:  ParsedQuery{Datastore: "MySQL", Table: "other", Operation: "other"},
		},
		{
			name:  "subquery takes first match",
			query: "SELECT * FROM `a` JOIN (SELECT id FROM `b`) sub ON sub.id = a.id",
			want:  ParsedQuery{Datastore: "MySQL", Table: "a", Operation: "select"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ClassifyQuery(eventbus.Metadata{
				Kind:      eventbus.KindQuery,
				QueryText: tt.query,
				Result:    eventbus.MySQLResult{},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyUnsupportedAdapter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result any
	}{
		{"error result", eventbus.ErrorResult{Message: "connection refused"}},
		{"untagged value", struct{ Rows int }{Rows: 3}},
		{"nil result", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ClassifyQuery(eventbus.Metadata{Kind: eventbus.KindQuery, Result: tt.result})
			require.Error(t, err)

			var unsupported *UnsupportedAdapterError
			require.ErrorAs(t, err, &unsupported)
		})
	}
}

func TestClassifyNeverReturnsEmptyFields(t *testing.T) {
	t.Parallel()

	mds := []eventbus.Metadata{
		{Result: eventbus.PostgresResult{}},
		{Result: eventbus.PostgresResult{Command: "delete"}},
		{Result: eventbus.MySQLResult{}, QueryText: "TRUNCATE x"},
		{Result: eventbus.MySQLResult{}, QueryText: "INSERT INTO nothing"},
	}

	for _, md := range mds {
		md.Kind = eventbus.KindQuery
		got, err := ClassifyQuery(md)
		require.NoError(t, err)
		assert.NotEmpty(t, got.Datastore)
		assert.NotEmpty(t, got.Table)
		assert.NotEmpty(t, got.Operation)
	}
}

func TestUnsupportedAdapterErrorMessage(t *testing.T) {
	t.Parallel()

	err := errors.New("wrapped: " + (&UnsupportedAdapterError{Adapter: "mongo"}).Error())
	assert.Contains(t, err.Error(), `"mongo"`)
}
