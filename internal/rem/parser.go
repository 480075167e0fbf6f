// Package rem parses and executes the four query kinds the core exposes:
// LOOKUP, SEARCH, a restricted SQL SELECT, and TRAVERSE.
package rem

import (
	"strconv"
	"strings"
	"unicode"
)

// Hard depth ceiling for traversals regardless of what the query asks for.
const MaxDepth = 5

// Engine-wide defaults.
const (
	DefaultDepth           = 1
	DefaultSearchLimit     = 10
	DefaultSearchThreshold = 0.7
	DefaultLookupLimit     = 100
)

// QueryKind discriminates the parsed plan.
type QueryKind string

const (
	KindLookup   QueryKind = "lookup"
	KindSearch   QueryKind = "search"
	KindSQL      QueryKind = "sql"
	KindTraverse QueryKind = "traverse"
)

// Query is a parsed, typed plan. Exactly one branch is set.
type Query struct {
	Kind     QueryKind
	Lookup   *LookupQuery
	Search   *SearchQuery
	SQL      *SQLQuery
	Traverse *TraverseQuery
}

// LookupQuery resolves one or more keys through the reverse name index.
type LookupQuery struct {
	Keys  []string
	Table string // optional scope
	Limit int
}

// SearchQuery is a semantic search over one table's embedded field.
type SearchQuery struct {
	Text      string
	Table     string
	Limit     int
	Threshold float64
}

// SQLQuery carries the raw statement; validation and tenant injection happen
// at execution time against the registered descriptors.
type SQLQuery struct {
	Raw string
}

// TraverseQuery is a BFS seeded by an inner LOOKUP or SEARCH.
type TraverseQuery struct {
	RelTypes []string
	Inner    *Query // KindLookup or KindSearch
	Depth    int
	Plan     bool
}

// Parse converts a textual REM query into a typed plan. Keywords are
// case-insensitive; double or single quotes allow spaces inside values.
func Parse(input string) (*Query, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, queryErr(KindParse, "empty query")
	}

	head := strings.ToUpper(firstWord(trimmed))
	switch head {
	case "LOOKUP":
		lq, err := parseLookup(trimmed[len(head):])
		if err != nil {
			return nil, err
		}
		return &Query{Kind: KindLookup, Lookup: lq}, nil
	case "SEARCH":
		sq, err := parseSearch(trimmed[len(head):])
		if err != nil {
			return nil, err
		}
		return &Query{Kind: KindSearch, Search: sq}, nil
	case "SELECT":
		return &Query{Kind: KindSQL, SQL: &SQLQuery{Raw: trimmed}}, nil
	case "TRAVERSE":
		tq, err := parseTraverse(trimmed[len(head):])
		if err != nil {
			return nil, err
		}
		return &Query{Kind: KindTraverse, Traverse: tq}, nil
	default:
		return nil, queryErr(KindParse, "unknown query kind %q", firstWord(trimmed))
	}
}

func firstWord(s string) string {
	for i, r := range s {
		if unicode.IsSpace(r) {
			return s[:i]
		}
	}
	return s
}

// token splitting that honors quotes.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				tokens = append(tokens, cur.String())
				cur.Reset()
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			flush()
			quote = r
		case unicode.IsSpace(r):
			flush()
		case r == ',':
			flush()
			tokens = append(tokens, ",")
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, queryErr(KindParse, "unterminated quote")
	}
	flush()
	return tokens, nil
}

// parseLookup handles:
//
//	LOOKUP <key> [, <key> ...] [IN <table>] [LIMIT n]
//	LOOKUP <table>:<key>
func parseLookup(rest string) (*LookupQuery, error) {
	tokens, err := tokenize(rest)
	if err != nil {
		return nil, err
	}
	lq := &LookupQuery{Limit: DefaultLookupLimit}

	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		upper := strings.ToUpper(tok)
		switch upper {
		case "IN":
			if i+1 >= len(tokens) {
				return nil, queryErr(KindParse, "IN requires a table name")
			}
			lq.Table = tokens[i+1]
			i += 2
		case "LIMIT":
			n, consumed, err := parseIntArg(tokens, i)
			if err != nil {
				return nil, err
			}
			lq.Limit = n
			i += consumed
		case ",":
			i++
		default:
			key := tok
			// Table-scoped form: resources:my-key
			if idx := strings.IndexByte(key, ':'); idx > 0 {
				scope := key[:idx]
				if lq.Table != "" && lq.Table != scope {
					return nil, queryErr(KindParse, "conflicting table scopes %q and %q", lq.Table, scope)
				}
				lq.Table = scope
				key = key[idx+1:]
			}
			if key == "" {
				return nil, queryErr(KindParse, "empty lookup key")
			}
			lq.Keys = append(lq.Keys, key)
			i++
		}
	}
	if len(lq.Keys) == 0 {
		return nil, queryErr(KindParse, "LOOKUP requires at least one key")
	}
	return lq, nil
}

// parseSearch handles:
//
//	SEARCH "<text>" [IN <table>] [LIMIT n] [THRESHOLD t]
func parseSearch(rest string) (*SearchQuery, error) {
	tokens, err := tokenize(rest)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, queryErr(KindParse, "SEARCH requires query text")
	}
	sq := &SearchQuery{
		Text:      tokens[0],
		Limit:     DefaultSearchLimit,
		Threshold: DefaultSearchThreshold,
	}
	i := 1
	for i < len(tokens) {
		switch strings.ToUpper(tokens[i]) {
		case "IN":
			if i+1 >= len(tokens) {
				return nil, queryErr(KindParse, "IN requires a table name")
			}
			sq.Table = tokens[i+1]
			i += 2
		case "LIMIT":
			n, consumed, err := parseIntArg(tokens, i)
			if err != nil {
				return nil, err
			}
			sq.Limit = n
			i += consumed
		case "THRESHOLD":
			if i+1 >= len(tokens) {
				return nil, queryErr(KindParse, "THRESHOLD requires a number")
			}
			t, err := strconv.ParseFloat(tokens[i+1], 64)
			if err != nil || t < 0 || t > 1 {
				return nil, queryErr(KindParse, "invalid threshold %q", tokens[i+1])
			}
			sq.Threshold = t
			i += 2
		default:
			return nil, queryErr(KindParse, "unexpected token %q in SEARCH", tokens[i])
		}
	}
	return sq, nil
}

// parseTraverse handles:
//
//	TRAVERSE [PLAN] [rel[,rel...]] WITH LOOKUP <key> [DEPTH n] [IN <table>]
//	TRAVERSE [PLAN] [rel[,rel...]] WITH SEARCH "<text>" [DEPTH n] [IN <table>]
func parseTraverse(rest string) (*TraverseQuery, error) {
	upper := strings.ToUpper(rest)
	withIdx := strings.Index(upper, " WITH ")
	if withIdx < 0 {
		return nil, queryErr(KindParse, "TRAVERSE requires WITH LOOKUP or WITH SEARCH")
	}

	tq := &TraverseQuery{Depth: DefaultDepth}

	// Everything before WITH is PLAN and/or the edge type list.
	headTokens, err := tokenize(rest[:withIdx])
	if err != nil {
		return nil, err
	}
	for _, tok := range headTokens {
		if tok == "," {
			continue
		}
		if strings.EqualFold(tok, "PLAN") {
			tq.Plan = true
			continue
		}
		tq.RelTypes = append(tq.RelTypes, tok)
	}

	tail := strings.TrimSpace(rest[withIdx+len(" WITH "):])

	// DEPTH belongs to the traversal, not the inner query; peel it off the
	// tail wherever it appears.
	tailTokens, err := tokenize(tail)
	if err != nil {
		return nil, err
	}
	var innerTokens []string
	for i := 0; i < len(tailTokens); i++ {
		if strings.EqualFold(tailTokens[i], "DEPTH") {
			n, consumed, err := parseIntArg(tailTokens, i)
			if err != nil {
				return nil, err
			}
			if n > MaxDepth {
				return nil, queryErr(KindDepthExceeded, "depth %d exceeds maximum %d", n, MaxDepth)
			}
			tq.Depth = n
			i += consumed - 1
			continue
		}
		innerTokens = append(innerTokens, tailTokens[i])
	}
	if len(innerTokens) == 0 {
		return nil, queryErr(KindParse, "TRAVERSE WITH requires an inner query")
	}

	switch strings.ToUpper(innerTokens[0]) {
	case "LOOKUP":
		lq, err := parseLookupTokens(innerTokens[1:])
		if err != nil {
			return nil, err
		}
		tq.Inner = &Query{Kind: KindLookup, Lookup: lq}
	case "SEARCH":
		sq, err := parseSearchTokens(innerTokens[1:])
		if err != nil {
			return nil, err
		}
		tq.Inner = &Query{Kind: KindSearch, Search: sq}
	default:
		return nil, queryErr(KindParse, "TRAVERSE inner query must be LOOKUP or SEARCH, got %q", innerTokens[0])
	}
	return tq, nil
}

// parseLookupTokens and parseSearchTokens reparse pre-tokenized input by
// re-joining; quoted text already collapsed to a single token, so keys and
// search text with spaces survive.
func parseLookupTokens(tokens []string) (*LookupQuery, error) {
	return parseLookup(" " + joinQuoted(tokens))
}

func parseSearchTokens(tokens []string) (*SearchQuery, error) {
	return parseSearch(" " + joinQuoted(tokens))
}

func joinQuoted(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		if t != "," && (strings.ContainsAny(t, " \t") || t == "") {
			quoted[i] = `"` + t + `"`
		} else {
			quoted[i] = t
		}
	}
	return strings.Join(quoted, " ")
}

func parseIntArg(tokens []string, i int) (int, int, error) {
	name := strings.ToUpper(tokens[i])
	if i+1 >= len(tokens) {
		return 0, 0, queryErr(KindParse, "%s requires a number", name)
	}
	n, err := strconv.Atoi(tokens[i+1])
	if err != nil || n <= 0 {
		return 0, 0, queryErr(KindParse, "invalid %s %q", name, tokens[i+1])
	}
	return n, 2, nil
}
