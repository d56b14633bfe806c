package store

import "strings"

// Scorer decides whether a fact matches a query. The store ranks matches
// by importance and recency itself; a scorer only filters. Swapping in a
// ranked or embedding-backed scorer does not change the store contract.
type Scorer interface {
	Match(content, query string) bool
}

// SubstringScorer matches facts whose content contains the query as a
// case-sensitive substring. An empty query matches everything.
type SubstringScorer struct{}

// Match reports whether content contains query
func (SubstringScorer) Match(content, query string) bool {
	return query == "" || strings.Contains(content, query)
}
