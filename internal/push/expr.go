package push

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Eval evaluates an arithmetic expression over numbers, variables, + - * /,
// unary minus and parentheses. Variables are resolved from vars and must be
// numeric.
func Eval(expr string, vars map[string]any) (float64, error) {
	p := &exprParser{src: expr, vars: vars}
	p.next()
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.tok.kind != tokEOF {
		return 0, fmt.Errorf("expression %q: unexpected %q at %d", expr, p.tok.text, p.tok.pos)
	}
	return v, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
	tokErr
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

type exprParser struct {
	src  string
	pos  int
	tok  token
	vars map[string]any
}

func (p *exprParser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	start := p.pos
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}
	c := rune(p.src[p.pos])
	switch {
	case strings.ContainsRune("+-*/()", c):
		p.pos++
		p.tok = token{kind: tokOp, text: string(c), pos: start}
	case unicode.IsDigit(c) || c == '.':
		for p.pos < len(p.src) && (unicode.IsDigit(rune(p.src[p.pos])) || p.src[p.pos] == '.') {
			p.pos++
		}
		text := p.src[start:p.pos]
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.tok = token{kind: tokErr, text: text, pos: start}
			return
		}
		p.tok = token{kind: tokNum, text: text, num: n, pos: start}
	case unicode.IsLetter(c) || c == '_':
		for p.pos < len(p.src) {
			r := rune(p.src[p.pos])
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
				break
			}
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.pos], pos: start}
	default:
		p.pos++
		p.tok = token{kind: tokErr, text: string(c), pos: start}
	}
}

func (p *exprParser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		right, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			left += right
		} else {
			left -= right
		}
	}
	return left, nil
}

func (p *exprParser) term() (float64, error) {
	left, err := p.factor()
	if err != nil {
		return 0, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text
		p.next()
		right, err := p.factor()
		if err != nil {
			return 0, err
		}
		if op == "*" {
			left *= right
			continue
		}
		if right == 0 {
			return 0, errors.New("division by zero")
		}
		left /= right
	}
	return left, nil
}

func (p *exprParser) factor() (float64, error) {
	t := p.tok
	switch t.kind {
	case tokNum:
		p.next()
		return t.num, nil
	case tokIdent:
		p.next()
		v, ok := p.vars[t.text]
		if !ok {
			return 0, fmt.Errorf("unknown variable %q", t.text)
		}
		n, ok := toFloat(v)
		if !ok {
			return 0, fmt.Errorf("variable %q is not numeric", t.text)
		}
		return n, nil
	case tokOp:
		switch t.text {
		case "-":
			p.next()
			v, err := p.factor()
			return -v, err
		case "+":
			p.next()
			return p.factor()
		case "(":
			p.next()
			v, err := p.expr()
			if err != nil {
				return 0, err
			}
			if p.tok.kind != tokOp || p.tok.text != ")" {
				return 0, fmt.Errorf("missing ) at %d", p.tok.pos)
			}
			p.next()
			return v, nil
		}
	case tokEOF:
		return 0, errors.New("unexpected end of expression")
	}
	return 0, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

// toFloat converts numeric values, numeric strings and bools.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
