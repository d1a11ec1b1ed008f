// Package router classifies incoming queries and dispatches each to the
// cheapest tier that can answer it, falling back to hybrid vector search.
package router

import (
	"regexp"
	"strings"
)

// QueryType is the routing class assigned to a query.
type QueryType string

const (
	QuerySkill      QueryType = "skill"
	QueryFactual    QueryType = "factual"
	QueryTemporal   QueryType = "temporal"
	QueryPreference QueryType = "preference"
	QueryProject    QueryType = "project"
	QueryComplex    QueryType = "complex"
)

// Classification patterns, checked in order. First hit wins; anything
// unmatched is complex.
var classifiers = []struct {
	typ QueryType
	re  *regexp.Regexp
}{
	{QuerySkill, regexp.MustCompile(`(?i)\b(like before|same as|how you)\b`)},
	{QueryFactual, regexp.MustCompile(`(?i)\b(what is|who is|where is)\b`)},
	{QueryTemporal, regexp.MustCompile(`(?i)\b(last week|yesterday|recently|this (morning|week))\b`)},
	{QueryPreference, regexp.MustCompile(`(?i)\b(prefer|want|favorite)\b`)},
	{QueryProject, regexp.MustCompile(`(?i)\b(project|working on|building)\b`)},
}

// Classify assigns a query type with plain regexes. It never touches I/O.
func Classify(query string) QueryType {
	for _, c := range classifiers {
		if c.re.MatchString(query) {
			return c.typ
		}
	}
	return QueryComplex
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "what": true, "who": true, "where": true, "when": true,
	"how": true, "does": true, "did": true, "about": true, "are": true,
	"was": true, "you": true, "your": true, "their": true, "them": true,
	"prefer": true, "want": true, "favorite": true, "like": true,
	"project": true, "working": true, "building": true, "recently": true,
	"yesterday": true, "week": true, "last": true, "morning": true,
}

var wordRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_-]{2,}`)

// keywords extracts the content-bearing words of a query, lowercased, in
// order of appearance.
func keywords(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range wordRe.FindAllString(query, -1) {
		lw := strings.ToLower(w)
		if stopwords[lw] || seen[lw] {
			continue
		}
		seen[lw] = true
		out = append(out, lw)
	}
	return out
}
