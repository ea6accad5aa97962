package ddbfake

import (
	"bytes"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokName
	tokValue
	tokPunct
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '#' || c == ':' || isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(rune(s[j])) {
				j++
			}
			kind := tokIdent
			if c == '#' {
				kind = tokName
			} else if c == ':' {
				kind = tokValue
			}
			if kind != tokIdent && j == i+1 {
				return nil, fmt.Errorf("empty placeholder at %d", i)
			}
			toks = append(toks, token{kind: kind, text: s[i:j]})
			i = j
		case c == '<' || c == '>':
			if i+1 < len(s) && (s[i+1] == '=' || (c == '<' && s[i+1] == '>')) {
				toks = append(toks, token{kind: tokPunct, text: s[i : i+2]})
				i += 2
				continue
			}
			toks = append(toks, token{kind: tokPunct, text: s[i : i+1]})
			i++
		case strings.ContainsRune("(),=+-", c):
			toks = append(toks, token{kind: tokPunct, text: s[i : i+1]})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

func isIdentStart(c rune) bool { return c == '_' || unicode.IsLetter(c) }
func isIdentPart(c rune) bool  { return c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c) }

type item = map[string]types.AttributeValue

// parser evaluates a condition or update expression over one item.
type parser struct {
	toks   []token
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
}

func newParser(expr string, names map[string]string, values map[string]types.AttributeValue) (*parser, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks, names: names, values: values}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) punct(s string) bool {
	t := p.peek()
	if t.kind == tokPunct && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.punct(s) {
		return fmt.Errorf("expected %q, got %q", s, p.peek().text)
	}
	return nil
}

// condition is a compiled predicate.
type condition func(it item) bool

// parseCondition parses: or := and (OR and)*.
func (p *parser) parseCondition() (condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(it item) bool { return l(it) || r(it) }
	}
	return left, nil
}

func (p *parser) parseAnd() (condition, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(it item) bool { return l(it) && r(it) }
	}
	return left, nil
}

func (p *parser) parseUnary() (condition, error) {
	if p.keyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return func(it item) bool { return !inner(it) }, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (condition, error) {
	if p.punct("(") {
		c, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		return c, p.expect(")")
	}

	t := p.peek()
	if t.kind == tokIdent {
		switch strings.ToLower(t.text) {
		case "attribute_exists", "attribute_not_exists":
			p.next()
			if err := p.expect("("); err != nil {
				return nil, err
			}
			attr, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			want := strings.EqualFold(t.text, "attribute_exists")
			return func(it item) bool {
				_, ok := it[attr]
				return ok == want
			}, nil
		}
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	op := p.next()
	if op.kind != tokPunct {
		return nil, fmt.Errorf("expected comparator, got %q", op.text)
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return func(it item) bool {
		a, aok := left(it)
		b, bok := right(it)
		if !aok || !bok {
			return false
		}
		c, comparable := compare(a, b)
		switch op.text {
		case "=":
			return comparable && c == 0
		case "<>":
			return !comparable || c != 0
		case "<":
			return comparable && c < 0
		case "<=":
			return comparable && c <= 0
		case ">":
			return comparable && c > 0
		case ">=":
			return comparable && c >= 0
		}
		return false
	}, nil
}

// operand resolves to a value and whether it is present.
type operand func(it item) (types.AttributeValue, bool)

func (p *parser) parseOperand() (operand, error) {
	t := p.peek()
	switch t.kind {
	case tokValue:
		p.next()
		v, ok := p.values[t.text]
		if !ok {
			return nil, fmt.Errorf("undefined value placeholder %s", t.text)
		}
		return func(item) (types.AttributeValue, bool) { return v, true }, nil
	case tokName, tokIdent:
		if t.kind == tokIdent && strings.EqualFold(t.text, "if_not_exists") {
			p.next()
			if err := p.expect("("); err != nil {
				return nil, err
			}
			attr, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			if err := p.expect(","); err != nil {
				return nil, err
			}
			fallback, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return func(it item) (types.AttributeValue, bool) {
				if v, ok := it[attr]; ok {
					return v, true
				}
				return fallback(it)
			}, nil
		}
		attr, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		return func(it item) (types.AttributeValue, bool) {
			v, ok := it[attr]
			return v, ok
		}, nil
	}
	return nil, fmt.Errorf("expected operand, got %q", t.text)
}

func (p *parser) parsePath() (string, error) {
	t := p.next()
	switch t.kind {
	case tokName:
		attr, ok := p.names[t.text]
		if !ok {
			return "", fmt.Errorf("undefined name placeholder %s", t.text)
		}
		return attr, nil
	case tokIdent:
		return t.text, nil
	}
	return "", fmt.Errorf("expected attribute path, got %q", t.text)
}

// applyUpdate parses an update expression and applies it to a copy of it.
func (p *parser) applyUpdate(it item) (item, error) {
	out := copyItem(it)
	type assignment struct {
		attr string
		val  operand
		op   string
		rhs  operand
	}
	var sets []assignment
	var removes []string

	for p.peek().kind != tokEOF {
		switch {
		case p.keyword("SET"):
			for {
				attr, err := p.parsePath()
				if err != nil {
					return nil, err
				}
				if err := p.expect("="); err != nil {
					return nil, err
				}
				val, err := p.parseOperand()
				if err != nil {
					return nil, err
				}
				a := assignment{attr: attr, val: val}
				if p.punct("+") {
					a.op = "+"
				} else if p.punct("-") {
					a.op = "-"
				}
				if a.op != "" {
					if a.rhs, err = p.parseOperand(); err != nil {
						return nil, err
					}
				}
				sets = append(sets, a)
				if !p.punct(",") {
					break
				}
			}
		case p.keyword("REMOVE"):
			for {
				attr, err := p.parsePath()
				if err != nil {
					return nil, err
				}
				removes = append(removes, attr)
				if !p.punct(",") {
					break
				}
			}
		default:
			return nil, fmt.Errorf("unexpected token %q in update expression", p.peek().text)
		}
	}

	// Every operand reads the pre-update item.
	for _, a := range sets {
		v, ok := a.val(it)
		if !ok {
			return nil, fmt.Errorf("update operand for %s refers to a missing attribute", a.attr)
		}
		if a.op != "" {
			r, ok := a.rhs(it)
			if !ok {
				return nil, fmt.Errorf("update operand for %s refers to a missing attribute", a.attr)
			}
			sum, err := arith(v, r, a.op)
			if err != nil {
				return nil, err
			}
			v = sum
		}
		out[a.attr] = v
	}
	for _, attr := range removes {
		delete(out, attr)
	}
	return out, nil
}

func arith(a, b types.AttributeValue, op string) (types.AttributeValue, error) {
	an, aok := a.(*types.AttributeValueMemberN)
	bn, bok := b.(*types.AttributeValueMemberN)
	if !aok || !bok {
		return nil, fmt.Errorf("arithmetic on non-number operands")
	}
	x, ok1 := new(big.Int).SetString(an.Value, 10)
	y, ok2 := new(big.Int).SetString(bn.Value, 10)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("arithmetic on non-integer numbers %s, %s", an.Value, bn.Value)
	}
	if op == "+" {
		x.Add(x, y)
	} else {
		x.Sub(x, y)
	}
	return &types.AttributeValueMemberN{Value: x.String()}, nil
}

// compare orders two scalar values of the same type.
func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, ok1 := new(big.Rat).SetString(av.Value)
		y, ok2 := new(big.Rat).SetString(bv.Value)
		if !ok1 || !ok2 {
			return 0, false
		}
		return x.Cmp(y), true
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		if !ok {
			return 0, false
		}
		return bytes.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || av.Value != bv.Value {
			return 1, ok
		}
		return 0, true
	}
	return 0, false
}

func scalarKey(v types.AttributeValue) string {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + tv.Value
	case *types.AttributeValueMemberN:
		return "N:" + tv.Value
	case *types.AttributeValueMemberB:
		return "B:" + strconv.Quote(string(tv.Value))
	}
	return "?"
}

func copyItem(it item) item {
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}
