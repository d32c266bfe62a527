package repository

import (
	"sort"
	"strings"

	"gorm.io/gorm/clause"

	"refprice/internal/model"
)

// Relevance weights. The SQL ordering expression and the in-memory scorer
// use the same weights so both tiers rank identically.
const (
	scoreCodeExact  = 100
	scoreCodePrefix = 50
	scoreTokenHit   = 10
)

func queryTokens(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// Score ranks ref against query: exact code match, then code prefix, then
// one hit per query token found in the description.
func Score(query string, ref model.PriceReference) float64 {
	q := strings.Join(queryTokens(query), " ")
	if q == "" {
		return 0
	}
	code := strings.ToLower(ref.Code)
	desc := strings.ToLower(ref.Description)

	score := 0
	switch {
	case code == q:
		score += scoreCodeExact
	case strings.HasPrefix(code, q):
		score += scoreCodePrefix
	}
	for _, tok := range queryTokens(q) {
		if strings.Contains(desc, tok) {
			score += scoreTokenHit
		}
	}
	return float64(score)
}

// matchesQuery is true when every token appears in the description or
// prefixes the code.
func matchesQuery(query string, ref model.PriceReference) bool {
	code := strings.ToLower(ref.Code)
	desc := strings.ToLower(ref.Description)
	for _, tok := range queryTokens(query) {
		if !strings.Contains(desc, tok) && !strings.HasPrefix(code, tok) {
			return false
		}
	}
	return true
}

// SortByRelevance orders refs by relevance desc, then code asc, then id.
func SortByRelevance(refs []model.PriceReference) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Relevance != refs[j].Relevance {
			return refs[i].Relevance > refs[j].Relevance
		}
		if refs[i].Code != refs[j].Code {
			return refs[i].Code < refs[j].Code
		}
		return refs[i].ID < refs[j].ID
	})
}

// relevanceOrder renders Score as a SQL ORDER BY expression.
func relevanceOrder(query string) clause.OrderBy {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return clause.OrderBy{Expression: clause.Expr{SQL: "code ASC, id ASC", WithoutParentheses: true}}
	}
	q := strings.Join(tokens, " ")

	var sb strings.Builder
	vars := []interface{}{q, escapeLike(q) + "%"}
	sb.WriteString(`(CASE WHEN LOWER(code) = ? THEN 100 WHEN LOWER(code) LIKE ? ESCAPE '\' THEN 50 ELSE 0 END`)
	for _, tok := range tokens {
		sb.WriteString(` + CASE WHEN LOWER(description) LIKE ? ESCAPE '\' THEN 10 ELSE 0 END`)
		vars = append(vars, "%"+escapeLike(tok)+"%")
	}
	sb.WriteString(") DESC, code ASC, id ASC")
	return clause.OrderBy{Expression: clause.Expr{SQL: sb.String(), Vars: vars, WithoutParentheses: true}}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
