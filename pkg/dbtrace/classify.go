// Adapter-specific classification of raw query events into
// (datastore, table, operation) triples. One classifier per supported
// adapter, selected by the result value's adapter tag; an unknown tag is
// a hard error because silently mis-tagging the datastore would corrupt
// metrics.
package dbtrace

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/andrewh/querytap/pkg/eventbus"
)

// fallbackName is used whenever the table or operation cannot be
// determined. Classification never yields an empty field.
const fallbackName = "other"

// ParsedQuery is the classification of one query event. Datastore is
// never empty; Table and Operation fall back to "other".
type ParsedQuery struct {
	Datastore string
	Table     string
	Operation string
}

// UnsupportedAdapterError reports a query result whose adapter has no
// classifier. This signals a missing implementation, not a bad query.
type UnsupportedAdapterError struct {
	Adapter string
}

func (e *UnsupportedAdapterError) Error() string {
	return fmt.Sprintf("no query classifier for adapter %q", e.Adapter)
}

// QueryClassifier maps a raw event's metadata to a ParsedQuery. Each
// implementation handles one adapter's result shape and SQL dialect.
type QueryClassifier interface {
	Datastore() string
	Classify(md eventbus.Metadata) ParsedQuery
}

// classifiers is keyed by the adapter tag reported by the result value.
var classifiers = map[string]QueryClassifier{
	"postgres": postgresClassifier{},
	"mysql":    mysqlClassifier{},
}

// Table-name extraction is best-effort and dialect-specific: these
// patterns take the first matching identifier, so complex statements
// with subqueries classify by their outermost (leftmost) table.
var (
	postgresInsertTable = regexp.MustCompile(`(?i)INSERT INTO "([^"]+)"`)
	mysqlInsertTable    = regexp.MustCompile("(?i)INSERT INTO `([^`]+)`")
	mysqlFromTable      = regexp.MustCompile("(?i)FROM `([^`]+)`")
)

// ClassifyQuery selects the classifier matching the event's result value
// and runs it. Results with no matching classifier, including error
// results and values of unknown type, fail with *UnsupportedAdapterError.
func ClassifyQuery(md eventbus.Metadata) (ParsedQuery, error) {
	tagged, ok := md.Result.(eventbus.QueryResult)
	if !ok {
		return ParsedQuery{}, &UnsupportedAdapterError{Adapter: fmt.Sprintf("%T", md.Result)}
	}

	c, ok := classifiers[tagged.AdapterName()]
	if !ok {
		return ParsedQuery{}, &UnsupportedAdapterError{Adapter: tagged.AdapterName()}
	}
	return c.Classify(md), nil
}

// postgresClassifier handles Postgres-style results, which report the
// executed command verb directly.
type postgresClassifier struct{}

func (postgresClassifier) Datastore() string { return "Postgres" }

func (p postgresClassifier) Classify(md eventbus.Metadata) ParsedQuery {
	result, _ := md.Result.(eventbus.PostgresResult)
	operation := strings.ToLower(result.Command)
	if operation == "" {
		operation = fallbackName
	}

	table := md.SourceTable
	if table == "" {
		if operation == "insert" {
			table = extractTable(postgresInsertTable, md.QueryText)
		} else {
			table = fallbackName
		}
	}

	return ParsedQuery{Datastore: p.Datastore(), Table: table, Operation: operation}
}

// mysqlClassifier handles MySQL-style results. The protocol reports no
// command verb, so both operation and table come from the leading SQL
// keyword.
type mysqlClassifier struct{}

func (mysqlClassifier) Datastore() string { return "MySQL" }

func (m mysqlClassifier) Classify(md eventbus.Metadata) ParsedQuery {
	pq := ParsedQuery{Datastore: m.Datastore(), Table: fallbackName, Operation: fallbackName}

	switch leadingKeyword(md.QueryText) {
	case "select":
		pq.Operation = "select"
		pq.Table = extractTable(mysqlFromTable, md.QueryText)
	case "insert":
		pq.Operation = "insert"
		pq.Table = extractTable(mysqlInsertTable, md.QueryText)
	}
	return pq
}

// leadingKeyword returns the first whitespace-delimited word of the query
// text, lower-cased.
func leadingKeyword(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// extractTable applies a table-name pattern to the query text, falling
// back to "other" when nothing matches.
func extractTable(pattern *regexp.Regexp, query string) string {
	if m := pattern.FindStringSubmatch(query); m != nil {
		return m[1]
	}
	return fallbackName
}
