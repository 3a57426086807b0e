// Package calculator provides the "calculate" built-in tool, an arithmetic
// expression evaluator.
//
// Supported syntax: decimal numbers, the binary operators + - * / % ^,
// unary minus and plus, and parentheses. ^ is right-associative and binds
// tighter than unary minus, so "-2^2" is -4.
package calculator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/types"
)

// maxExpressionLen bounds the accepted expression size.
const maxExpressionLen = 1024

type calculateArgs struct {
	Expression string `json:"expression"`
}

// Tools returns the calculator tool ready for registration.
func Tools() []tools.Tool {
	return []tools.Tool{{
		Definition: types.ToolDefinition{
			Name:        "calculate",
			Description: "Evaluate an arithmetic expression and return the numeric result. Supports + - * / % ^ and parentheses, e.g. (2 + 3) * 4.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "Arithmetic expression to evaluate, e.g. 2 + 2 or 10 / (4 - 2)",
					},
				},
				"required": []string{"expression"},
			},
		},
		Handler: calculateHandler,
	}}
}

func calculateHandler(_ context.Context, args tools.Args) (string, error) {
	var a calculateArgs
	if err := args.Decode(&a); err != nil {
		return "", fmt.Errorf("calculator: invalid arguments: %w", err)
	}
	v, err := Evaluate(a.Expression)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

// Evaluate parses and evaluates expr.
func Evaluate(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("calculator: empty expression")
	}
	if len(expr) > maxExpressionLen {
		return 0, fmt.Errorf("calculator: expression longer than %d characters", maxExpressionLen)
	}
	p := &parser{src: expr}
	v, err := p.expression()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("calculator: unexpected %q at offset %d", p.src[p.pos], p.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("calculator: result of %q is not a finite number", expr)
	}
	return v, nil
}

// parser is a recursive-descent evaluator over the grammar
//
//	expression = term { ("+" | "-") term }
//	term       = unary { ("*" | "/" | "%") unary }
//	unary      = ("-" | "+") unary | power
//	power      = primary [ "^" unary ]
//	primary    = number | "(" expression ")"
type parser struct {
	src string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

// peek returns the next non-space byte, or 0 at the end of input.
func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expression() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		switch op := p.peek(); op {
		case '+', '-':
			p.pos++
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			if op == '+' {
				left += right
			} else {
				left -= right
			}
		default:
			return left, nil
		}
	}
}

func (p *parser) term() (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, fmt.Errorf("calculator: division by zero")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, fmt.Errorf("calculator: modulo by zero")
			}
			left = math.Mod(left, right)
		}
	}
}

func (p *parser) unary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.unary()
		return -v, err
	case '+':
		p.pos++
		return p.unary()
	}
	return p.power()
}

func (p *parser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.unary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *parser) primary() (float64, error) {
	c := p.peek()
	switch {
	case c == 0:
		return 0, fmt.Errorf("calculator: unexpected end of expression")
	case c == '(':
		p.pos++
		v, err := p.expression()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("calculator: missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case isDigit(c) || c == '.':
		start := p.pos
		for p.pos < len(p.src) && (isDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
			p.pos++
		}
		v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
		if err != nil {
			return 0, fmt.Errorf("calculator: invalid number %q", p.src[start:p.pos])
		}
		return v, nil
	default:
		return 0, fmt.Errorf("calculator: unexpected %q at offset %d", c, p.pos)
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
