// Package pathquery implements the restricted JSON path-query language used by
// catalog expectations.
//
// Supported syntax, always rooted at "$":
//
//	$.a.b            dotted member access
//	$["key.with.dots"]  bracket member access with a quoted key
//	$.items[0]       integer array index
//	$.items[*].id    wildcard expansion (at most one per query)
//
// Evaluation never fails on document shape. A missing key, an out-of-range
// index or a shape mismatch yields "absent" (ok == false). Only a malformed
// query string is an error.
package pathquery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is wrapped by every query parse error.
var ErrSyntax = errors.New("pathquery: syntax error")

// TokenKind tags a single query step.
type TokenKind int

const (
	TokenKey TokenKind = iota
	TokenIndex
	TokenWildcard
)

func (k TokenKind) String() string {
	switch k {
	case TokenKey:
		return "key"
	case TokenIndex:
		return "index"
	case TokenWildcard:
		return "wildcard"
	default:
		return "unknown"
	}
}

// Token is one step of a compiled query.
type Token struct {
	Kind  TokenKind
	Key   string
	Index int
}

func (t Token) String() string {
	switch t.Kind {
	case TokenKey:
		return fmt.Sprintf("key(%q)", t.Key)
	case TokenIndex:
		return fmt.Sprintf("index(%d)", t.Index)
	default:
		return "wildcard"
	}
}

// Query is a tokenized path expression. It is immutable and safe for
// concurrent use.
type Query struct {
	expr   string
	tokens []Token
}

// Parse tokenizes expr once.
func Parse(expr string) (*Query, error) {
	if !strings.HasPrefix(expr, "$") {
		return nil, fmt.Errorf("%w: %q must start with $", ErrSyntax, expr)
	}

	var tokens []Token
	wildcards := 0
	i := 1
	for i < len(expr) {
		switch expr[i] {
		case '.':
			i++
			j := i
			for j < len(expr) && expr[j] != '.' && expr[j] != '[' {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("%w: empty member name at offset %d in %q", ErrSyntax, i, expr)
			}
			tokens = append(tokens, Token{Kind: TokenKey, Key: expr[i:j]})
			i = j
		case '[':
			tok, next, err := parseBracket(expr, i)
			if err != nil {
				return nil, err
			}
			if tok.Kind == TokenWildcard {
				wildcards++
				if wildcards > 1 {
					return nil, fmt.Errorf("%w: only one [*] is supported in %q", ErrSyntax, expr)
				}
			}
			tokens = append(tokens, tok)
			i = next
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at offset %d in %q", ErrSyntax, expr[i], i, expr)
		}
	}

	return &Query{expr: expr, tokens: tokens}, nil
}

// MustParse is Parse for static queries; it panics on error.
func MustParse(expr string) *Query {
	q, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return q
}

// parseBracket reads the bracket segment starting at expr[start] == '['.
// Quoted keys may contain ']' and '.'; the closing quote must be followed by ']'.
func parseBracket(expr string, start int) (Token, int, error) {
	i := start + 1
	if i < len(expr) && (expr[i] == '"' || expr[i] == '\'') {
		quote := expr[i]
		end := strings.IndexByte(expr[i+1:], quote)
		if end < 0 {
			return Token{}, 0, fmt.Errorf("%w: unterminated quoted key at offset %d in %q", ErrSyntax, start, expr)
		}
		keyEnd := i + 1 + end
		if keyEnd+1 >= len(expr) || expr[keyEnd+1] != ']' {
			return Token{}, 0, fmt.Errorf("%w: unclosed [ at offset %d in %q", ErrSyntax, start, expr)
		}
		return Token{Kind: TokenKey, Key: expr[i+1 : keyEnd]}, keyEnd + 2, nil
	}

	end := strings.IndexByte(expr[i:], ']')
	if end < 0 {
		return Token{}, 0, fmt.Errorf("%w: unclosed [ at offset %d in %q", ErrSyntax, start, expr)
	}
	inner := expr[i : i+end]
	next := i + end + 1

	if inner == "*" {
		return Token{Kind: TokenWildcard}, next, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return Token{}, 0, fmt.Errorf("%w: invalid index %q at offset %d in %q", ErrSyntax, inner, start, expr)
	}
	return Token{Kind: TokenIndex, Index: n}, next, nil
}

// String returns the source expression.
func (q *Query) String() string { return q.expr }

// Tokens returns a copy of the compiled token sequence.
func (q *Query) Tokens() []Token {
	out := make([]Token, len(q.tokens))
	copy(out, q.tokens)
	return out
}

// HasWildcard reports whether Eval maps over a sequence.
func (q *Query) HasWildcard() bool {
	for _, tok := range q.tokens {
		if tok.Kind == TokenWildcard {
			return true
		}
	}
	return false
}

// Eval replays the tokens against doc, which must be a value produced by
// encoding/json (map[string]any, []any, string, float64, json.Number, bool, nil).
//
// When the query has a wildcard, the result is a []any of the values the
// remainder produced for each element, in element order. Elements for which the
// remainder is absent are dropped.
func (q *Query) Eval(doc any) (any, bool) {
	cur := doc
	for i, tok := range q.tokens {
		if tok.Kind == TokenWildcard {
			arr, ok := cur.([]any)
			if !ok {
				return nil, false
			}
			return expand(arr, q.tokens[i+1:]), true
		}
		var ok bool
		cur, ok = step(cur, tok)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// expand maps rest over every element and keeps the survivors.
func expand(arr []any, rest []Token) []any {
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		if v, ok := walk(item, rest); ok {
			out = append(out, v)
		}
	}
	return out
}

func walk(cur any, tokens []Token) (any, bool) {
	for _, tok := range tokens {
		var ok bool
		cur, ok = step(cur, tok)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func step(cur any, tok Token) (any, bool) {
	switch tok.Kind {
	case TokenKey:
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := obj[tok.Key]
		return v, ok
	case TokenIndex:
		arr, ok := cur.([]any)
		if !ok || tok.Index >= len(arr) {
			return nil, false
		}
		return arr[tok.Index], true
	default:
		return nil, false
	}
}

// Get parses expr and evaluates it against doc.
func Get(doc any, expr string) (any, bool, error) {
	q, err := Parse(expr)
	if err != nil {
		return nil, false, err
	}
	v, ok := q.Eval(doc)
	return v, ok, nil
}
