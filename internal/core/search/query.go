package search

import (
	"strings"
	"unicode"
)

// Tokenize はクエリから句読点と記号を取り除き、空白で分割する
func Tokenize(query string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, query)

	seen := make(map[string]struct{})
	var terms []string
	for _, term := range strings.Fields(cleaned) {
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

// BuildTSQuery は語をクォートして OR で連結した tsquery 式を返す
func BuildTSQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, "'"+term+"'")
	}
	return strings.Join(quoted, " | ")
}
