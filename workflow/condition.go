package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Conditions are a restricted, side-effect-free expression language over
// reference expressions and literals: equality, ordering, boolean
// combinators, and negation. Expressions are parsed once at workflow
// registration; evaluation never interprets arbitrary code.
//
// Grammar:
//
//	or     := and ("||" and)*
//	and    := unary ("&&" unary)*
//	unary  := "!" unary | compare
//	compare:= operand (("=="|"!="|"<="|">="|"<"|">") operand)?
//	operand:= literal | reference | "(" or ")"

// condNode is a parsed condition expression
type condNode interface {
	eval(inputs map[string]interface{}, results map[string]StepResult) interface{}
}

type literalNode struct{ value interface{} }

func (n literalNode) eval(map[string]interface{}, map[string]StepResult) interface{} {
	return n.value
}

type refNode struct{ r *ref }

func (n refNode) eval(inputs map[string]interface{}, results map[string]StepResult) interface{} {
	return n.r.resolve(inputs, results)
}

type notNode struct{ operand condNode }

func (n notNode) eval(inputs map[string]interface{}, results map[string]StepResult) interface{} {
	return !truthy(n.operand.eval(inputs, results))
}

type boolNode struct {
	op          string // "&&" or "||"
	left, right condNode
}

func (n boolNode) eval(inputs map[string]interface{}, results map[string]StepResult) interface{} {
	left := truthy(n.left.eval(inputs, results))
	if n.op == "&&" {
		return left && truthy(n.right.eval(inputs, results))
	}
	return left || truthy(n.right.eval(inputs, results))
}

type compareNode struct {
	op          string
	left, right condNode
}

func (n compareNode) eval(inputs map[string]interface{}, results map[string]StepResult) interface{} {
	left := n.left.eval(inputs, results)
	right := n.right.eval(inputs, results)
	switch n.op {
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	}

	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if lok && rok {
		switch n.op {
		case "<":
			return lf < rf
		case ">":
			return lf > rf
		case "<=":
			return lf <= rf
		case ">=":
			return lf >= rf
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch n.op {
		case "<":
			return ls < rs
		case ">":
			return ls > rs
		case "<=":
			return ls <= rs
		case ">=":
			return ls >= rs
		}
	}
	return false
}

// parseCondition compiles a condition expression
func parseCondition(expr string) (condNode, error) {
	p := &condParser{input: expr}
	node, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("condition %q: unexpected %q", expr, p.input[p.pos:])
	}
	return node, nil
}

type condParser struct {
	input string
	pos   int
}

func (p *condParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *condParser) accept(token string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], token) {
		p.pos += len(token)
		return true
	}
	return false
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = boolNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = boolNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	p.skipSpace()
	// "!" negation, but not the first half of "!="
	if p.pos < len(p.input) && p.input[p.pos] == '!' && !strings.HasPrefix(p.input[p.pos:], "!=") {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseCompare()
}

// comparison operators, longest first so "<=" wins over "<"
var compareOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func (p *condParser) parseCompare() (condNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	for _, op := range compareOps {
		if p.accept(op) {
			right, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return compareNode{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *condParser) parseOperand() (condNode, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	if p.accept("(") {
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return node, nil
	}

	c := p.input[p.pos]
	switch {
	case c == '\'' || c == '"':
		return p.parseString(c)
	case c == '$':
		return p.parseReference()
	case c >= '0' && c <= '9' || c == '-':
		return p.parseNumber()
	default:
		return p.parseKeyword()
	}
}

func (p *condParser) parseString(quote byte) (condNode, error) {
	end := strings.IndexByte(p.input[p.pos+1:], quote)
	if end < 0 {
		return nil, fmt.Errorf("unterminated string")
	}
	value := p.input[p.pos+1 : p.pos+1+end]
	p.pos += end + 2
	return literalNode{value: value}, nil
}

func (p *condParser) parseReference() (condNode, error) {
	end := p.pos
	for end < len(p.input) && isRefChar(p.input[end]) {
		end++
	}
	expr := p.input[p.pos:end]
	r, ok := parseRef(expr)
	if !ok {
		return nil, fmt.Errorf("unknown reference prefix in %q", expr)
	}
	p.pos = end
	return refNode{r: r}, nil
}

func isRefChar(c byte) bool {
	return c == '$' || c == '.' || c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *condParser) parseNumber() (condNode, error) {
	end := p.pos
	if p.input[end] == '-' {
		end++
	}
	for end < len(p.input) && (p.input[end] >= '0' && p.input[end] <= '9' || p.input[end] == '.') {
		end++
	}
	value, err := strconv.ParseFloat(p.input[p.pos:end], 64)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", p.input[p.pos:end])
	}
	p.pos = end
	return literalNode{value: value}, nil
}

func (p *condParser) parseKeyword() (condNode, error) {
	end := p.pos
	for end < len(p.input) && isRefChar(p.input[end]) {
		end++
	}
	word := p.input[p.pos:end]
	p.pos = end
	switch word {
	case "true":
		return literalNode{value: true}, nil
	case "false":
		return literalNode{value: false}, nil
	case "null":
		return literalNode{value: nil}, nil
	default:
		// External identifiers are rejected, not resolved
		return nil, fmt.Errorf("unknown identifier %q", word)
	}
}

// truthy follows the loose semantics conditions need: nil, false, zero,
// and the empty string are false.
func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	default:
		if f, ok := asNumber(value); ok {
			return f != 0
		}
		return true
	}
}

// looseEqual compares across the numeric types JSON decoding produces
func looseEqual(left, right interface{}) bool {
	if lf, ok := asNumber(left); ok {
		if rf, ok := asNumber(right); ok {
			return lf == rf
		}
		return false
	}
	return left == right
}

func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	default:
		return 0, false
	}
}
