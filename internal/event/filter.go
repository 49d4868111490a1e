package event

import (
	"fmt"
	"strings"
	"unicode"
)

// Filter is a compiled boolean expression over an event. Reactor handlers
// use filters to select which events they process, e.g.
//
//	event.severity == EventSeverity.Error && event.system == "sshd"
//
// Available references: event.id, event.system, event.fq_id,
// event.severity, and event.payload.<field>. Severity names resolve via
// EventSeverity.<Name>. Operators: ==, !=, &&, ||, !, parentheses.
type Filter struct {
	source string
	root   filterNode
}

// CompileFilter parses a filter expression. An empty expression is not a
// filter; callers should treat that case as "use the default action".
func CompileFilter(expr string) (*Filter, error) {
	p := &filterParser{input: expr}
	p.next()
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	if p.err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, p.err)
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("filter %q: unexpected %q", expr, p.tok.text)
	}
	return &Filter{source: expr, root: root}, nil
}

// Source returns the original expression text.
func (f *Filter) Source() string { return f.source }

// Eval evaluates the filter against an event.
func (f *Filter) Eval(e *Event) (bool, error) {
	v, err := f.root.eval(e)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("filter %q does not evaluate to a boolean", f.source)
	}
	return b, nil
}

// filter values are bool, string, or Severity.
type filterNode interface {
	eval(e *Event) (any, error)
}

type logicalNode struct {
	or          bool
	left, right filterNode
}

func (n *logicalNode) eval(e *Event) (any, error) {
	lv, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	lb, ok := lv.(bool)
	if !ok {
		return nil, fmt.Errorf("operand of %s is not boolean", n.opName())
	}
	if n.or && lb {
		return true, nil
	}
	if !n.or && !lb {
		return false, nil
	}
	rv, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}
	rb, ok := rv.(bool)
	if !ok {
		return nil, fmt.Errorf("operand of %s is not boolean", n.opName())
	}
	return rb, nil
}

func (n *logicalNode) opName() string {
	if n.or {
		return "||"
	}
	return "&&"
}

type notNode struct {
	inner filterNode
}

func (n *notNode) eval(e *Event) (any, error) {
	v, err := n.inner.eval(e)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("operand of ! is not boolean")
	}
	return !b, nil
}

type compareNode struct {
	equal       bool
	left, right filterNode
}

func (n *compareNode) eval(e *Event) (any, error) {
	lv, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}
	eq, err := valuesEqual(lv, rv)
	if err != nil {
		return nil, err
	}
	if n.equal {
		return eq, nil
	}
	return !eq, nil
}

func valuesEqual(a, b any) (bool, error) {
	if as, aok := a.(Severity); aok {
		bs, err := asSeverity(b)
		if err != nil {
			return false, err
		}
		return as == bs, nil
	}
	if _, bok := b.(Severity); bok {
		return valuesEqual(b, a)
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs, nil
	}
	return false, fmt.Errorf("cannot compare %T with %T", a, b)
}

func asSeverity(v any) (Severity, error) {
	switch t := v.(type) {
	case Severity:
		return t, nil
	case string:
		if s, ok := ParseSeverity(t); ok {
			return s, nil
		}
		return 0, fmt.Errorf("unknown severity %q", t)
	}
	return 0, fmt.Errorf("cannot compare severity with %T", v)
}

type literalNode struct {
	value any
}

func (n *literalNode) eval(*Event) (any, error) { return n.value, nil }

type refNode struct {
	path string
}

func (n *refNode) eval(e *Event) (any, error) {
	switch n.path {
	case "event.id":
		return e.ID(), nil
	case "event.system":
		return e.System(), nil
	case "event.fq_id":
		return e.FQID(), nil
	case "event.severity":
		return e.Severity(), nil
	case "event.summary":
		return e.Summary(), nil
	}
	if field, ok := strings.CutPrefix(n.path, "event.payload."); ok {
		value, found := e.Payload(field)
		if !found {
			return nil, fmt.Errorf("event has no payload field %q", field)
		}
		return value, nil
	}
	if name, ok := strings.CutPrefix(n.path, "EventSeverity."); ok {
		if s, found := ParseSeverity(name); found {
			return s, nil
		}
		return nil, fmt.Errorf("unknown severity %q", name)
	}
	return nil, fmt.Errorf("unknown reference %q", n.path)
}

// lexer / parser

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokEq
	tokNeq
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

type filterParser struct {
	input string
	pos   int
	tok   token
	err   error
}

func (p *filterParser) next() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}
	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")"}
	case c == '=' && p.peek(1) == '=':
		p.pos += 2
		p.tok = token{kind: tokEq, text: "=="}
	case c == '!' && p.peek(1) == '=':
		p.pos += 2
		p.tok = token{kind: tokNeq, text: "!="}
	case c == '!':
		p.pos++
		p.tok = token{kind: tokNot, text: "!"}
	case c == '&' && p.peek(1) == '&':
		p.pos += 2
		p.tok = token{kind: tokAnd, text: "&&"}
	case c == '|' && p.peek(1) == '|':
		p.pos += 2
		p.tok = token{kind: tokOr, text: "||"}
	case c == '\'' || c == '"':
		quote := c
		start := p.pos + 1
		end := strings.IndexByte(p.input[start:], quote)
		if end < 0 {
			p.err = fmt.Errorf("unterminated string literal")
			p.tok = token{kind: tokEOF}
			return
		}
		p.tok = token{kind: tokString, text: p.input[start : start+end]}
		p.pos = start + end + 1
	case isIdentByte(c):
		start := p.pos
		for p.pos < len(p.input) && isIdentByte(p.input[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.input[start:p.pos]}
	default:
		p.err = fmt.Errorf("unexpected character %q", string(c))
		p.tok = token{kind: tokEOF}
	}
}

func (p *filterParser) peek(n int) byte {
	if p.pos+n < len(p.input) {
		return p.input[p.pos+n]
	}
	return 0
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *filterParser) parseOr() (filterNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{or: true, left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (filterNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseComparison() (filterNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokEq || p.tok.kind == tokNeq {
		equal := p.tok.kind == tokEq
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &compareNode{equal: equal, left: left, right: right}, nil
	}
	return left, nil
}

func (p *filterParser) parseOperand() (filterNode, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok.kind {
	case tokNot:
		p.next()
		inner, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.next()
		return inner, nil
	case tokString:
		n := &literalNode{value: p.tok.text}
		p.next()
		return n, nil
	case tokIdent:
		text := p.tok.text
		p.next()
		switch text {
		case "true", "True":
			return &literalNode{value: true}, nil
		case "false", "False":
			return &literalNode{value: false}, nil
		}
		return &refNode{path: text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q", p.tok.text)
}
