// Package query implements the filter language shared by device tree filtering
// and smart playlists.
//
// Text without operators is a case-insensitive substring search. Advanced
// expressions combine terms with implicit AND, OR, NOT (or a leading '-'),
// parentheses, quoted phrases and field comparisons such as artist:beatles,
// year>=1990 or rating=10.
package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"portable-sync/internal/models"
)

// Subject is the value an expression is evaluated against.
type Subject struct {
	Track models.Track
	Name  string
}

// Expr is a compiled expression.
type Expr interface {
	Match(Subject) bool
}

// ErrSyntax is returned for malformed advanced expressions.
var ErrSyntax = errors.New("query syntax error")

var textFields = map[string]func(models.Track) string{
	"artist":   func(t models.Track) string { return t.Artist },
	"album":    func(t models.Track) string { return t.Album },
	"title":    func(t models.Track) string { return t.Title },
	"genre":    func(t models.Track) string { return t.Genre },
	"comment":  func(t models.Track) string { return t.Comment },
	"filetype": func(t models.Track) string { return t.Format() },
}

var numericFields = map[string]func(models.Track) float64{
	"year":      func(t models.Track) float64 { return float64(t.Year) },
	"track":     func(t models.Track) float64 { return float64(t.TrackNumber) },
	"length":    func(t models.Track) float64 { return t.LengthSeconds },
	"bitrate":   func(t models.Track) float64 { return float64(t.BitrateKbps) },
	"playcount": func(t models.Track) float64 { return float64(t.Stats.PlayCount) },
	"rating":    func(t models.Track) float64 { return float64(t.Stats.Rating) },
}

// operators ordered so two-character forms are found before their prefixes.
var operators = []string{">=", "<=", ":", "=", ">", "<"}

// Compile returns an expression for text. Plain text and malformed advanced
// expressions both become a substring search over the whole text.
func Compile(text string) Expr {
	text = strings.TrimSpace(text)
	if text == "" {
		return matchAll{}
	}
	if !IsAdvanced(text) {
		return substring(strings.ToLower(text))
	}
	expr, err := Parse(text)
	if err != nil {
		return substring(strings.ToLower(text))
	}
	return expr
}

// IsAdvanced reports whether text uses any advanced syntax.
func IsAdvanced(text string) bool {
	if strings.ContainsAny(text, "\"()") {
		return true
	}
	for _, word := range strings.Fields(text) {
		if word == "OR" || word == "NOT" || (len(word) > 1 && word[0] == '-') {
			return true
		}
		if _, _, _, ok := splitField(word); ok {
			return true
		}
	}
	return false
}

// Parse compiles an advanced expression.
func Parse(text string) (Expr, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return matchAll{}, nil
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("%w: unexpected %q", ErrSyntax, p.tokens[p.pos].text)
	}
	return expr, nil
}

type token struct {
	text   string
	quoted bool
}

func tokenize(text string) ([]token, error) {
	var (
		tokens  []token
		current strings.Builder
		inQuote bool
		quoted  bool
	)
	flush := func() {
		if current.Len() > 0 || quoted {
			tokens = append(tokens, token{text: current.String(), quoted: quoted})
		}
		current.Reset()
		quoted = false
	}

	for _, r := range text {
		switch {
		case r == '"':
			inQuote = !inQuote
			quoted = true
		case inQuote:
			current.WriteRune(r)
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, token{text: string(r)})
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote", ErrSyntax)
	}
	flush()
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expr{left}
	for {
		tok, ok := p.peek()
		if !ok || tok.quoted || tok.text != "OR" {
			break
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return anyOf(terms), nil
}

func (p *parser) parseAnd() (Expr, error) {
	var terms []Expr
	for {
		tok, ok := p.peek()
		if !ok || (!tok.quoted && (tok.text == "OR" || tok.text == ")")) {
			break
		}
		term, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	switch len(terms) {
	case 0:
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	case 1:
		return terms[0], nil
	}
	return allOf(terms), nil
}

func (p *parser) parseUnary() (Expr, error) {
	tok, _ := p.peek()
	if !tok.quoted {
		switch {
		case tok.text == "NOT":
			p.pos++
			inner, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return not{inner}, nil
		case tok.text == "(":
			p.pos++
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			closing, ok := p.peek()
			if !ok || closing.text != ")" {
				return nil, fmt.Errorf("%w: missing ')'", ErrSyntax)
			}
			p.pos++
			return inner, nil
		case len(tok.text) > 1 && tok.text[0] == '-':
			p.pos++
			inner, err := termFor(token{text: tok.text[1:]})
			if err != nil {
				return nil, err
			}
			return not{inner}, nil
		}
	}
	p.pos++
	return termFor(tok)
}

func termFor(tok token) (Expr, error) {
	if tok.quoted && !strings.ContainsAny(tok.text, ":=<>") {
		return substring(strings.ToLower(tok.text)), nil
	}
	field, op, value, ok := splitField(tok.text)
	if !ok {
		return substring(strings.ToLower(tok.text)), nil
	}

	if get, isText := textFields[field]; isText {
		switch op {
		case ":":
			return textContains{get: get, value: strings.ToLower(value)}, nil
		case "=":
			return textEquals{get: get, value: value}, nil
		default:
			return nil, fmt.Errorf("%w: operator %s not valid for %s", ErrSyntax, op, field)
		}
	}

	if get, isNumeric := numericFields[field]; isNumeric {
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s expects a number, got %q", ErrSyntax, field, value)
		}
		return numeric{get: get, op: op, value: n}, nil
	}

	return nil, fmt.Errorf("%w: unknown field %q", ErrSyntax, field)
}

// splitField splits "field<op>value". It only reports ok when the left-hand
// side looks like an identifier, so text such as "10:30" stays plain.
func splitField(word string) (string, string, string, bool) {
	best := -1
	bestOp := ""
	for _, op := range operators {
		idx := strings.Index(word, op)
		if idx <= 0 {
			continue
		}
		if best == -1 || idx < best || (idx == best && len(op) > len(bestOp)) {
			best = idx
			bestOp = op
		}
	}
	if best <= 0 {
		return "", "", "", false
	}
	field := strings.ToLower(word[:best])
	for _, r := range field {
		if r < 'a' || r > 'z' {
			return "", "", "", false
		}
	}
	return field, bestOp, word[best+len(bestOp):], true
}

type matchAll struct{}

func (matchAll) Match(Subject) bool { return true }

type substring string

func (s substring) Match(sub Subject) bool {
	needle := string(s)
	t := sub.Track
	for _, hay := range []string{t.Artist, t.Album, t.Title, t.Genre, t.Comment, sub.Name} {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

type textContains struct {
	get   func(models.Track) string
	value string
}

func (e textContains) Match(sub Subject) bool {
	return strings.Contains(strings.ToLower(e.get(sub.Track)), e.value)
}

type textEquals struct {
	get   func(models.Track) string
	value string
}

func (e textEquals) Match(sub Subject) bool {
	return strings.EqualFold(strings.TrimSpace(e.get(sub.Track)), e.value)
}

type numeric struct {
	get   func(models.Track) float64
	op    string
	value float64
}

func (e numeric) Match(sub Subject) bool {
	v := e.get(sub.Track)
	switch e.op {
	case ">":
		return v > e.value
	case "<":
		return v < e.value
	case ">=":
		return v >= e.value
	case "<=":
		return v <= e.value
	default:
		return v == e.value
	}
}

type not struct{ inner Expr }

func (e not) Match(sub Subject) bool { return !e.inner.Match(sub) }

type allOf []Expr

func (e allOf) Match(sub Subject) bool {
	for _, term := range e {
		if !term.Match(sub) {
			return false
		}
	}
	return true
}

type anyOf []Expr

func (e anyOf) Match(sub Subject) bool {
	for _, term := range e {
		if term.Match(sub) {
			return true
		}
	}
	return false
}
