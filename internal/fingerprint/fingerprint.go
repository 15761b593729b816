// Package fingerprint derives the normalized textual keys requests
// are indexed by in the mock store.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HTTP renders "{METHOD}:{path-with-query}".
func HTTP(method, pathWithQuery string) string {
	return fmt.Sprintf("%s:%s", strings.ToUpper(method), pathWithQuery)
}

// SQL lower-cases the SQL text and collapses internal whitespace to a
// single space, trimmed. It is idempotent: SQL(SQL(x)) == SQL(x).
func SQL(raw string) string {
	fields := strings.Fields(strings.ToLower(raw))
	return strings.Join(fields, " ")
}

// Mongo renders "db.{collection}.{operation}({json-of-filter-or-document})".
// The leading "db" is a literal token, not a database name. The filter/document map is canonicalized (keys
// sorted) before marshaling so the fingerprint is stable across Go
// map iteration order.
func Mongo(collection, operation string, filterOrDoc map[string]any) string {
	canon := canonicalJSON(filterOrDoc)
	return fmt.Sprintf("db.%s.%s(%s)", collection, operation, canon)
}

func canonicalJSON(v map[string]any) string {
	if v == nil {
		v = map[string]any{}
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(v[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

// Redis renders the upper-cased verb followed by space-joined args.
func Redis(verb string, args []string) string {
	parts := append([]string{strings.ToUpper(verb)}, args...)
	return strings.Join(parts, " ")
}
