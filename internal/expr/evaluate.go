package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Limits keep evaluation bounded regardless of what a flow author writes.
const (
	MaxExpressionLength = 4096
	MaxNestingDepth     = 64
)

// Error describes why an expression could not be evaluated.
type Error struct {
	Pos int
	Msg string
}

func (e *Error) Error() string {
	if e.Pos < 0 {
		return "expression: " + e.Msg
	}
	return fmt.Sprintf("expression: %s at offset %d", e.Msg, e.Pos)
}

// Evaluate substitutes {{name}} placeholders with quoted string literals of their
// values and evaluates the result.
//
// The grammar supports number and string literals, parentheses, unary minus and
// the binary operators + - * / %. There are no identifiers, calls or any other
// access to state outside the expression text. The + operator adds when both
// operands read as finite numbers and concatenates otherwise, so with a="2" and
// b="3" the expression "{{a}} + {{b}}" evaluates to "5". The remaining operators
// require numeric operands.
func Evaluate(expression string, vars map[string]string) (string, error) {
	if len(expression) > MaxExpressionLength {
		return "", &Error{Pos: -1, Msg: "expression too long"}
	}
	src, err := substitute(expression, vars)
	if err != nil {
		return "", err
	}
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return "", err
	}
	v, err := p.parseSum(0)
	if err != nil {
		return "", err
	}
	if p.tok.kind != tokEOF {
		return "", &Error{Pos: p.tok.pos, Msg: fmt.Sprintf("unexpected %s", p.tok)}
	}
	return v.String(), nil
}

type value struct {
	str   string
	num   float64
	isNum bool
}

func numberValue(f float64) value {
	if f == 0 {
		f = 0 // normalize negative zero
	}
	return value{num: f, isNum: true}
}

func (v value) String() string {
	if v.isNum {
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	return v.str
}

// number reports the numeric reading of v; strings qualify when they parse as a
// finite float.
func (v value) number() (float64, bool) {
	if v.isNum {
		return v.num, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	pos  int
	text string
	num  float64
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokString:
		return strconv.Quote(t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}
	c := l.src[l.pos]
	switch {
	case strings.IndexByte("+-*/%", c) >= 0:
		l.pos++
		return token{kind: tokOp, pos: start, text: string(c)}, nil
	case c == '(':
		l.pos++
		return token{kind: tokLParen, pos: start, text: "("}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, pos: start, text: ")"}, nil
	case c == '"' || c == '\'':
		return l.lexString(c)
	case isDigit(c) || c == '.':
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		text := l.src[start:l.pos]
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, &Error{Pos: start, Msg: fmt.Sprintf("invalid number %q", text)}
		}
		return token{kind: tokNumber, pos: start, text: text, num: f}, nil
	default:
		return token{}, &Error{Pos: start, Msg: fmt.Sprintf("unexpected character %q", c)}
	}
}

// lexString reads a quoted literal. Double-quoted literals use Go escapes, which
// is what substitute emits; single-quoted literals only escape \' and \\.
func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			if quote == '\'' {
				sb.WriteByte(l.src[l.pos+1])
			}
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			if quote == '\'' {
				return token{kind: tokString, pos: start, text: sb.String()}, nil
			}
			s, err := strconv.Unquote(l.src[start:l.pos])
			if err != nil {
				return token{}, &Error{Pos: start, Msg: "invalid string literal"}
			}
			return token{kind: tokString, pos: start, text: s}, nil
		}
		if quote == '\'' {
			sb.WriteByte(c)
		}
		l.pos++
	}
	return token{}, &Error{Pos: start, Msg: "unterminated string literal"}
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }

type parser struct {
	lex lexer
	tok token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) parseSum(depth int) (value, error) {
	left, err := p.parseProduct(depth)
	if err != nil {
		return value{}, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok
		if err := p.advance(); err != nil {
			return value{}, err
		}
		right, err := p.parseProduct(depth)
		if err != nil {
			return value{}, err
		}
		if left, err = apply(op, left, right); err != nil {
			return value{}, err
		}
	}
	return left, nil
}

func (p *parser) parseProduct(depth int) (value, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return value{}, err
	}
	for p.tok.kind == tokOp && strings.Contains("*/%", p.tok.text) {
		op := p.tok
		if err := p.advance(); err != nil {
			return value{}, err
		}
		right, err := p.parseUnary(depth)
		if err != nil {
			return value{}, err
		}
		if left, err = apply(op, left, right); err != nil {
			return value{}, err
		}
	}
	return left, nil
}

func (p *parser) parseUnary(depth int) (value, error) {
	if depth > MaxNestingDepth {
		return value{}, &Error{Pos: p.tok.pos, Msg: "expression nested too deeply"}
	}
	if p.tok.kind == tokOp && (p.tok.text == "-" || p.tok.text == "+") {
		op := p.tok
		if err := p.advance(); err != nil {
			return value{}, err
		}
		operand, err := p.parseUnary(depth + 1)
		if err != nil {
			return value{}, err
		}
		f, ok := operand.number()
		if !ok {
			return value{}, &Error{Pos: op.pos, Msg: fmt.Sprintf("unary %s needs a number", op.text)}
		}
		if op.text == "-" {
			f = -f
		}
		return numberValue(f), nil
	}
	return p.parsePrimary(depth)
}

func (p *parser) parsePrimary(depth int) (value, error) {
	t := p.tok
	switch t.kind {
	case tokNumber:
		return numberValue(t.num), p.advance()
	case tokString:
		return value{str: t.text}, p.advance()
	case tokLParen:
		if err := p.advance(); err != nil {
			return value{}, err
		}
		v, err := p.parseSum(depth + 1)
		if err != nil {
			return value{}, err
		}
		if p.tok.kind != tokRParen {
			return value{}, &Error{Pos: p.tok.pos, Msg: "missing closing parenthesis"}
		}
		return v, p.advance()
	default:
		return value{}, &Error{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", t)}
	}
}

func apply(op token, left, right value) (value, error) {
	l, lok := left.number()
	r, rok := right.number()
	if op.text == "+" {
		if lok && rok {
			return numberValue(l + r), nil
		}
		return value{str: left.String() + right.String()}, nil
	}
	if !lok || !rok {
		return value{}, &Error{Pos: op.pos, Msg: fmt.Sprintf("operator %s needs numbers", op.text)}
	}
	switch op.text {
	case "-":
		return numberValue(l - r), nil
	case "*":
		return numberValue(l * r), nil
	case "/":
		if r == 0 {
			return value{}, &Error{Pos: op.pos, Msg: "division by zero"}
		}
		return numberValue(l / r), nil
	case "%":
		if r == 0 {
			return value{}, &Error{Pos: op.pos, Msg: "modulo by zero"}
		}
		return numberValue(math.Mod(l, r)), nil
	}
	return value{}, &Error{Pos: op.pos, Msg: "unknown operator " + op.text}
}
