package rem

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

// The SQL surface is deliberately small: SELECT over one base table, a WHERE
// clause of comparisons, IN lists, IS [NOT] NULL, AND/OR and parentheses,
// ORDER BY, LIMIT and OFFSET. Anything beyond that is rejected rather than
// passed through, and the tenant predicate is injected unconditionally.

type sqlTokenKind int

const (
	tokIdent sqlTokenKind = iota
	tokNumber
	tokString
	tokOp
	tokPunct
	tokStar
)

type sqlToken struct {
	kind sqlTokenKind
	text string
}

func (t sqlToken) isKeyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

var forbiddenKeywords = map[string]bool{
	"JOIN": true, "INNER": true, "OUTER": true, "LEFT": true, "RIGHT": true,
	"CROSS": true, "UNION": true, "INTERSECT": true, "EXCEPT": true,
	"GROUP": true, "HAVING": true, "DISTINCT": true, "INTO": true,
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"CREATE": true, "ALTER": true, "TRUNCATE": true, "GRANT": true,
	"REVOKE": true, "WITH": true, "RETURNING": true, "FOR": true,
}

func tokenizeSQL(raw string) ([]sqlToken, error) {
	var tokens []sqlToken
	runes := []rune(raw)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == ';':
			return nil, queryErr(KindUnsupportedSQL, "statement separator not allowed")
		case r == '\'':
			j := i + 1
			var sb strings.Builder
			for {
				if j >= len(runes) {
					return nil, queryErr(KindParse, "unterminated string literal")
				}
				if runes[j] == '\'' {
					if j+1 < len(runes) && runes[j+1] == '\'' {
						sb.WriteRune('\'')
						j += 2
						continue
					}
					break
				}
				sb.WriteRune(runes[j])
				j++
			}
			tokens = append(tokens, sqlToken{kind: tokString, text: sb.String()})
			i = j + 1
		case r == '*':
			tokens = append(tokens, sqlToken{kind: tokStar, text: "*"})
			i++
		case r == '(' || r == ')' || r == ',':
			tokens = append(tokens, sqlToken{kind: tokPunct, text: string(r)})
			i++
		case r == '=' || r == '<' || r == '>' || r == '!':
			op := string(r)
			if i+1 < len(runes) && (runes[i+1] == '=' || (r == '<' && runes[i+1] == '>')) {
				op += string(runes[i+1])
				i++
			}
			switch op {
			case "=", "<", ">", "<=", ">=", "<>", "!=":
				tokens = append(tokens, sqlToken{kind: tokOp, text: op})
			default:
				return nil, queryErr(KindParse, "invalid operator %q", op)
			}
			i++
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, sqlToken{kind: tokNumber, text: string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, sqlToken{kind: tokIdent, text: string(runes[i:j])})
			i = j
		default:
			return nil, queryErr(KindParse, "unexpected character %q", string(r))
		}
	}
	return tokens, nil
}

type sqlParser struct {
	tokens []sqlToken
	pos    int
	desc   models.ModelDescriptor
	args   []interface{} // $1 is reserved for the tenant id
}

func (p *sqlParser) peek() (sqlToken, bool) {
	if p.pos >= len(p.tokens) {
		return sqlToken{}, false
	}
	return p.tokens[p.pos], true
}

func (p *sqlParser) next() (sqlToken, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *sqlParser) expectKeyword(kw string) error {
	t, ok := p.next()
	if !ok || !t.isKeyword(kw) {
		return queryErr(KindParse, "expected %s", kw)
	}
	return nil
}

func (p *sqlParser) column(name string) (string, error) {
	if forbiddenKeywords[strings.ToUpper(name)] {
		return "", queryErr(KindUnsupportedSQL, "%s is not supported", strings.ToUpper(name))
	}
	col := strings.ToLower(name)
	if !p.desc.HasField(col) {
		return "", queryErr(KindParse, "unknown column %q on %s", name, p.desc.Table)
	}
	return col, nil
}

func (p *sqlParser) placeholder(v interface{}) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args)+1)
}

// RewriteSQL validates the raw statement against the registered descriptors
// and returns an executable form. $1 is the tenant id; literal values become
// $2..$n. The caller supplies the tenant value at execution time.
func RewriteSQL(raw string, descriptors map[string]models.ModelDescriptor) (string, []interface{}, string, error) {
	tokens, err := tokenizeSQL(raw)
	if err != nil {
		return "", nil, "", err
	}
	p := &sqlParser{tokens: tokens}

	if err := p.expectKeyword("SELECT"); err != nil {
		return "", nil, "", err
	}

	// Select list: either * or a comma-separated column list. Column
	// validation is deferred until the table is known.
	var rawCols []string
	star := false
	for {
		t, ok := p.next()
		if !ok {
			return "", nil, "", queryErr(KindParse, "unexpected end of query in select list")
		}
		if t.kind == tokStar {
			star = true
		} else if t.kind == tokIdent {
			if strings.EqualFold(t.text, "SELECT") {
				return "", nil, "", queryErr(KindUnsupportedSQL, "subqueries are not supported")
			}
			if forbiddenKeywords[strings.ToUpper(t.text)] {
				return "", nil, "", queryErr(KindUnsupportedSQL, "%s is not supported", strings.ToUpper(t.text))
			}
			rawCols = append(rawCols, t.text)
		} else {
			return "", nil, "", queryErr(KindParse, "unexpected token %q in select list", t.text)
		}
		t, ok = p.peek()
		if ok && t.kind == tokPunct && t.text == "," {
			p.pos++
			continue
		}
		break
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return "", nil, "", err
	}

	tableTok, ok := p.next()
	if !ok || tableTok.kind != tokIdent {
		return "", nil, "", queryErr(KindParse, "expected table name after FROM")
	}
	table := strings.ToLower(tableTok.text)
	desc, known := descriptors[table]
	if !known {
		return "", nil, "", queryErr(KindUnknownTable, "%s", table)
	}
	p.desc = desc

	selectList := "*"
	if !star {
		cols := make([]string, len(rawCols))
		for i, c := range rawCols {
			col, err := p.column(c)
			if err != nil {
				return "", nil, "", err
			}
			cols[i] = col
		}
		selectList = strings.Join(cols, ", ")
	}

	whereSQL := ""
	if t, ok := p.peek(); ok && t.isKeyword("WHERE") {
		p.pos++
		whereSQL, err = p.parseExpr()
		if err != nil {
			return "", nil, "", err
		}
	}

	orderSQL := ""
	if t, ok := p.peek(); ok && t.isKeyword("ORDER") {
		p.pos++
		if err := p.expectKeyword("BY"); err != nil {
			return "", nil, "", err
		}
		orderSQL, err = p.parseOrderBy()
		if err != nil {
			return "", nil, "", err
		}
	}

	limitSQL := ""
	if t, ok := p.peek(); ok && t.isKeyword("LIMIT") {
		p.pos++
		n, err := p.parsePositiveInt("LIMIT")
		if err != nil {
			return "", nil, "", err
		}
		limitSQL = fmt.Sprintf(" LIMIT %d", n)
	}
	if t, ok := p.peek(); ok && t.isKeyword("OFFSET") {
		p.pos++
		n, err := p.parsePositiveInt("OFFSET")
		if err != nil {
			return "", nil, "", err
		}
		limitSQL += fmt.Sprintf(" OFFSET %d", n)
	}

	if t, ok := p.peek(); ok {
		if forbiddenKeywords[strings.ToUpper(t.text)] || strings.EqualFold(t.text, "SELECT") {
			return "", nil, "", queryErr(KindUnsupportedSQL, "%s is not supported", strings.ToUpper(t.text))
		}
		return "", nil, "", queryErr(KindParse, "unexpected trailing token %q", t.text)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = $1", selectList, table)
	if whereSQL != "" {
		query += " AND (" + whereSQL + ")"
	}
	if orderSQL != "" {
		query += " ORDER BY " + orderSQL
	}
	query += limitSQL

	return query, p.args, table, nil
}

// parseExpr: term { (AND|OR) term }
func (p *sqlParser) parseExpr() (string, error) {
	left, err := p.parseTerm()
	if err != nil {
		return "", err
	}
	for {
		t, ok := p.peek()
		if !ok {
			return left, nil
		}
		if t.isKeyword("AND") || t.isKeyword("OR") {
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return "", err
			}
			left = fmt.Sprintf("%s %s %s", left, strings.ToUpper(t.text), right)
			continue
		}
		return left, nil
	}
}

// parseTerm: '(' expr ')' | col op literal | col IN (list) | col IS [NOT] NULL
func (p *sqlParser) parseTerm() (string, error) {
	t, ok := p.next()
	if !ok {
		return "", queryErr(KindParse, "unexpected end of WHERE clause")
	}
	if t.kind == tokPunct && t.text == "(" {
		inner, err := p.parseExpr()
		if err != nil {
			return "", err
		}
		if closing, ok := p.next(); !ok || closing.text != ")" {
			return "", queryErr(KindParse, "missing closing parenthesis")
		}
		return "(" + inner + ")", nil
	}
	if t.kind != tokIdent {
		return "", queryErr(KindParse, "expected column name, got %q", t.text)
	}
	col, err := p.column(t.text)
	if err != nil {
		return "", err
	}

	op, ok := p.next()
	if !ok {
		return "", queryErr(KindParse, "dangling column %q", col)
	}
	switch {
	case op.kind == tokOp:
		lit, err := p.parseLiteral()
		if err != nil {
			return "", err
		}
		o := op.text
		if o == "!=" {
			o = "<>"
		}
		return fmt.Sprintf("%s %s %s", col, o, lit), nil
	case op.isKeyword("IN"):
		open, ok := p.next()
		if !ok || open.text != "(" {
			return "", queryErr(KindParse, "IN requires a parenthesized list")
		}
		var items []string
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return "", err
			}
			items = append(items, lit)
			sep, ok := p.next()
			if !ok {
				return "", queryErr(KindParse, "unterminated IN list")
			}
			if sep.text == "," {
				continue
			}
			if sep.text == ")" {
				break
			}
			return "", queryErr(KindParse, "unexpected %q in IN list", sep.text)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(items, ", ")), nil
	case op.isKeyword("IS"):
		t, ok := p.next()
		if !ok {
			return "", queryErr(KindParse, "incomplete IS predicate")
		}
		if t.isKeyword("NOT") {
			if err := p.expectKeyword("NULL"); err != nil {
				return "", err
			}
			return col + " IS NOT NULL", nil
		}
		if t.isKeyword("NULL") {
			return col + " IS NULL", nil
		}
		return "", queryErr(KindParse, "expected NULL after IS")
	case op.isKeyword("LIKE"):
		lit, err := p.parseLiteral()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s LIKE %s", col, lit), nil
	default:
		return "", queryErr(KindUnsupportedSQL, "unsupported predicate %q", op.text)
	}
}

func (p *sqlParser) parseLiteral() (string, error) {
	t, ok := p.next()
	if !ok {
		return "", queryErr(KindParse, "expected literal value")
	}
	switch t.kind {
	case tokString:
		return p.placeholder(t.text), nil
	case tokNumber:
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return "", queryErr(KindParse, "invalid number %q", t.text)
			}
			return p.placeholder(f), nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return "", queryErr(KindParse, "invalid number %q", t.text)
		}
		return p.placeholder(n), nil
	case tokIdent:
		if strings.EqualFold(t.text, "TRUE") || strings.EqualFold(t.text, "FALSE") {
			return p.placeholder(strings.EqualFold(t.text, "TRUE")), nil
		}
		if strings.EqualFold(t.text, "NULL") {
			return "NULL", nil
		}
		if strings.EqualFold(t.text, "SELECT") {
			return "", queryErr(KindUnsupportedSQL, "subqueries are not supported")
		}
		return "", queryErr(KindParse, "expected literal, got identifier %q", t.text)
	default:
		return "", queryErr(KindParse, "expected literal, got %q", t.text)
	}
}

func (p *sqlParser) parseOrderBy() (string, error) {
	var parts []string
	for {
		t, ok := p.next()
		if !ok || t.kind != tokIdent {
			return "", queryErr(KindParse, "expected column in ORDER BY")
		}
		col, err := p.column(t.text)
		if err != nil {
			return "", err
		}
		part := col
		if dir, ok := p.peek(); ok && (dir.isKeyword("ASC") || dir.isKeyword("DESC")) {
			p.pos++
			part += " " + strings.ToUpper(dir.text)
		}
		parts = append(parts, part)
		if sep, ok := p.peek(); ok && sep.text == "," {
			p.pos++
			continue
		}
		break
	}
	return strings.Join(parts, ", "), nil
}

func (p *sqlParser) parsePositiveInt(clause string) (int64, error) {
	t, ok := p.next()
	if !ok || t.kind != tokNumber {
		return 0, queryErr(KindParse, "%s requires a number", clause)
	}
	n, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil || n < 0 {
		return 0, queryErr(KindParse, "invalid %s %q", clause, t.text)
	}
	return n, nil
}
