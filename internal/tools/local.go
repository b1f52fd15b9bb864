package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/podex-dev/agentcore/internal/fault"
)

type jsonQueryArgs struct {
	JSON string `json:"json"`
	Path string `json:"path"`
}

type jsonQueryResult struct {
	Exists bool `json:"exists"`
	Value  any  `json:"value"`
}

func jsonQuery(_ context.Context, raw json.RawMessage) (any, error) {
	var args jsonQueryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.New(fault.KindValidation, "json_query", err)
	}
	if !gjson.Valid(args.JSON) {
		return nil, fault.New(fault.KindValidation, "json_query", errors.New("document is not valid JSON"))
	}
	res := gjson.Get(args.JSON, args.Path)
	return jsonQueryResult{Exists: res.Exists(), Value: res.Value()}, nil
}

type calculateArgs struct {
	Expression string `json:"expression"`
}

type calculateResult struct {
	Result float64 `json:"result"`
}

func calculate(_ context.Context, raw json.RawMessage) (any, error) {
	var args calculateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.New(fault.KindValidation, "calculate", err)
	}
	v, err := evaluate(args.Expression)
	if err != nil {
		return nil, fault.New(fault.KindValidation, "calculate", err)
	}
	return calculateResult{Result: v}, nil
}

// Recursive descent over + - * / and parentheses.

type tokenType int

const (
	tokenNumber tokenType = iota
	tokenPlus
	tokenMinus
	tokenMul
	tokenDiv
	tokenLParen
	tokenRParen
)

type token struct {
	typ tokenType
	val float64
}

type exprParser struct {
	tokens []token
	pos    int
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	operand := func() bool {
		if len(tokens) == 0 {
			return false
		}
		t := tokens[len(tokens)-1].typ
		return t == tokenNumber || t == tokenRParen
	}
	for i := 0; i < len(expr); {
		ch := rune(expr[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '-' && !operand() && i+1 < len(expr) && isNumberByte(expr[i+1]):
			j := scanNumber(expr, i+1)
			val, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number: %s", expr[i:j])
			}
			tokens = append(tokens, token{typ: tokenNumber, val: val})
			i = j
		case isNumberByte(expr[i]):
			j := scanNumber(expr, i)
			val, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number: %s", expr[i:j])
			}
			tokens = append(tokens, token{typ: tokenNumber, val: val})
			i = j
		default:
			typ, ok := map[byte]tokenType{
				'+': tokenPlus, '-': tokenMinus, '*': tokenMul, '/': tokenDiv,
				'(': tokenLParen, ')': tokenRParen,
			}[expr[i]]
			if !ok {
				return nil, fmt.Errorf("unexpected character: %c", ch)
			}
			tokens = append(tokens, token{typ: typ})
			i++
		}
	}
	return tokens, nil
}

func isNumberByte(b byte) bool {
	return b == '.' || (b >= '0' && b <= '9')
}

func scanNumber(expr string, i int) int {
	for i < len(expr) && isNumberByte(expr[i]) {
		i++
	}
	return i
}

func evaluate(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty expression")
	}
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	p := &exprParser{tokens: tokens}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if p.pos < len(p.tokens) {
		return 0, fmt.Errorf("unexpected token at position %d", p.pos)
	}
	return v, nil
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for p.pos < len(p.tokens) {
		op := p.tokens[p.pos].typ
		if op != tokenPlus && op != tokenMinus {
			break
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == tokenPlus {
			left += right
		} else {
			left -= right
		}
	}
	return left, nil
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for p.pos < len(p.tokens) {
		op := p.tokens[p.pos].typ
		if op != tokenMul && op != tokenDiv {
			break
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if op == tokenMul {
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

func (p *exprParser) parseFactor() (float64, error) {
	if p.pos >= len(p.tokens) {
		return 0, errors.New("unexpected end of expression")
	}
	t := p.tokens[p.pos]
	switch t.typ {
	case tokenNumber:
		p.pos++
		return t.val, nil
	case tokenMinus:
		p.pos++
		v, err := p.parseFactor()
		return -v, err
	case tokenLParen:
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].typ != tokenRParen {
			return 0, errors.New("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	return 0, errors.New("unexpected token")
}
