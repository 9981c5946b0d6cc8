package rbac

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// SAFE EXPRESSION EVALUATOR (Policy Rule Conditions)
// ============================================================================

// DefaultMaxExpressionLength bounds condition text accepted by the evaluator.
const DefaultMaxExpressionLength = 1000

// ExpressionEvaluator parses and evaluates policy rule conditions against a
// context map. The grammar is closed: boolean and/or/not, the comparison
// operators ==, !=, <, <=, >, >=, in, not in, dotted attribute access on
// context values, names restricted to context keys, and string/number/list
// literals. There are no function calls, no assignment and no way to reach
// outside the supplied context.
//
// Evaluate fails closed: any parse error, unknown name or disallowed
// construct yields false and a warning log, never an error or panic across
// the boundary.
type ExpressionEvaluator struct {
	maxLen int
	logger logger.Logger
}

type ExprOption func(*ExpressionEvaluator)

// WithMaxExpressionLength overrides the maximum accepted condition length.
func WithMaxExpressionLength(n int) ExprOption {
	return func(e *ExpressionEvaluator) {
		if n > 0 {
			e.maxLen = n
		}
	}
}

// WithExprLogger installs a logger for fail-closed warnings.
func WithExprLogger(l logger.Logger) ExprOption {
	return func(e *ExpressionEvaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewExpressionEvaluator(opts ...ExprOption) *ExpressionEvaluator {
	e := &ExpressionEvaluator{
		maxLen: DefaultMaxExpressionLength,
		logger: logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs expr against ctx and returns the truthiness of the result.
// It never returns an error: failures of any kind evaluate to false.
func (e *ExpressionEvaluator) Evaluate(expr string, ctx map[string]any) bool {
	if len(expr) > e.maxLen {
		e.logger.Warn("expression rejected", "reason", "length exceeded", "length", len(expr), "max", e.maxLen)
		return false
	}
	node, err := parseExpression(expr)
	if err != nil {
		e.logger.Warn("expression parse failed", "expr", clip(expr), "error", err.Error())
		return false
	}
	val, err := node.eval(ctx)
	if err != nil {
		e.logger.Warn("expression evaluation failed", "expr", clip(expr), "error", err.Error())
		return false
	}
	return truthy(val)
}

// Validate performs the same parse and whitelist walk as Evaluate without
// evaluating against data. Intended for admin-time linting of stored rules.
// A condition over the length limit returns ErrExpressionTooLong.
func (e *ExpressionEvaluator) Validate(expr string) error {
	if len(expr) > e.maxLen {
		return fmt.Errorf("%w: %d > %d", ErrExpressionTooLong, len(expr), e.maxLen)
	}
	_, err := parseExpression(expr)
	return err
}

func clip(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

// ============================================================================
// AST
// ============================================================================

type exprNode interface {
	eval(ctx map[string]any) (any, error)
}

type andNode struct{ left, right exprNode }

func (n *andNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	if !truthy(l) {
		return false, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type orNode struct{ left, right exprNode }

func (n *orNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	if truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type notNode struct{ operand exprNode }

func (n *notNode) eval(ctx map[string]any) (any, error) {
	v, err := n.operand.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type cmpNode struct {
	op          string
	left, right exprNode
}

func (n *cmpNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equalValues(l, r), nil
	case "!=":
		return !equalValues(l, r), nil
	case "in":
		return containsValue(r, l)
	case "not in":
		ok, err := containsValue(r, l)
		if err != nil {
			return nil, err
		}
		return !ok, nil
	}
	c, err := orderValues(l, r)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", n.op)
}

type literalNode struct{ value any }

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type listNode struct{ items []exprNode }

func (n *listNode) eval(ctx map[string]any) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// nameNode resolves a dotted path, e.g. subject.attrs.department. The head
// must be a key present in the context; each further segment indexes into a
// map value. Anything else is a disallowed attribute access.
type nameNode struct{ parts []string }

func (n *nameNode) eval(ctx map[string]any) (any, error) {
	head := n.parts[0]
	cur, ok := ctx[head]
	if !ok {
		return nil, fmt.Errorf("unknown name %q", head)
	}
	for _, part := range n.parts[1:] {
		switch m := cur.(type) {
		case map[string]any:
			cur, ok = m[part]
			if !ok {
				return nil, fmt.Errorf("unknown attribute %q on %q", part, head)
			}
		case map[string]string:
			v, okk := m[part]
			if !okk {
				return nil, fmt.Errorf("unknown attribute %q on %q", part, head)
			}
			cur = v
		default:
			return nil, fmt.Errorf("attribute access on non-map value %q", head)
		}
	}
	return cur, nil
}

// ============================================================================
// VALUE SEMANTICS
// ============================================================================

func truthy(v any) bool {
	switch vv := v.(type) {
	case nil:
		return false
	case bool:
		return vv
	case string:
		return vv != ""
	case []any:
		return len(vv) > 0
	case map[string]any:
		return len(vv) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok2 := toFloat(b); ok2 {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return reflect.DeepEqual(a, b)
}

func orderValues(a, b any) (int, error) {
	if af, ok := toFloat(a); ok {
		bf, ok2 := toFloat(b)
		if !ok2 {
			return 0, fmt.Errorf("cannot order %T against %T", a, b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if as, ok := a.(string); ok {
		bs, ok2 := b.(string)
		if !ok2 {
			return 0, fmt.Errorf("cannot order %T against %T", a, b)
		}
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("unorderable type %T", a)
}

func containsValue(container, item any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, v := range c {
			if equalValues(v, item) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		for _, v := range c {
			if v == s {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("membership test of %T in string", item)
		}
		return strings.Contains(c, s), nil
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("membership test of %T in map", item)
		}
		_, found := c[s]
		return found, nil
	}
	return false, fmt.Errorf("membership test on %T", container)
}

// ============================================================================
// LEXER / PARSER
// ============================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp      // == != < <= > >=
	tokLParen  // (
	tokRParen  // )
	tokLBrack  // [
	tokRBrack  // ]
	tokComma   // ,
	tokDot     // .
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	toks := make([]token, 0, 16)
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case ch == '[':
			toks = append(toks, token{tokLBrack, "[", i})
			i++
		case ch == ']':
			toks = append(toks, token{tokRBrack, "]", i})
			i++
		case ch == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case ch == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			op := string(ch)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
				i++
			}
			i++
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("unexpected %q at %d", op, i-1)
			}
			toks = append(toks, token{tokOp, op, i - len(op)})
		case ch == '\'' || ch == '"':
			quote := ch
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			toks = append(toks, token{tokString, sb.String(), i})
			i = j + 1
		case ch >= '0' && ch <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z':
			j := i
			for j < len(src) && (src[j] == '_' || src[j] >= 'a' && src[j] <= 'z' || src[j] >= 'A' && src[j] <= 'Z' || src[j] >= '0' && src[j] <= '9') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		case ch == '-':
			// unary minus, only valid directly before a number
			if i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9' {
				j := i + 1
				for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
					j++
				}
				toks = append(toks, token{tokNumber, src[i:j], i})
				i = j
			} else {
				return nil, fmt.Errorf("unexpected %q at %d", ch, i)
			}
		default:
			return nil, fmt.Errorf("unexpected %q at %d", ch, i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func parseExpression(src string) (exprNode, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.peek().text, p.peek().pos)
	}
	return node, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == kw
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (exprNode, error) {
	if p.isKeyword("not") {
		// "not in" is handled inside parseComparison; a bare "not" here is negation
		save := p.pos
		p.next()
		if p.isKeyword("in") {
			p.pos = save
		} else {
			operand, err := p.parseNot()
			if err != nil {
				return nil, err
			}
			return &notNode{operand: operand}, nil
		}
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	op := ""
	switch {
	case p.peek().kind == tokOp:
		op = p.next().text
	case p.isKeyword("in"):
		p.next()
		op = "in"
	case p.isKeyword("not"):
		p.next()
		if !p.isKeyword("in") {
			return nil, fmt.Errorf("expected 'in' after 'not' at %d", p.peek().pos)
		}
		p.next()
		op = "not in"
	default:
		return left, nil
	}
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	// chained comparisons are outside the closed grammar
	if p.peek().kind == tokOp || p.isKeyword("in") {
		return nil, fmt.Errorf("chained comparison at %d", p.peek().pos)
	}
	return &cmpNode{op: op, left: left, right: right}, nil
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
			}
			return &literalNode{value: f}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
		}
		return &literalNode{value: float64(n)}, nil
	case tokString:
		p.next()
		return &literalNode{value: t.text}, nil
	case tokLBrack:
		p.next()
		items := make([]exprNode, 0, 4)
		for p.peek().kind != tokRBrack {
			item, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
		if p.peek().kind != tokRBrack {
			return nil, fmt.Errorf("expected ']' at %d", p.peek().pos)
		}
		p.next()
		return &listNode{items: items}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	case tokIdent:
		switch t.text {
		case "true", "True":
			p.next()
			return &literalNode{value: true}, nil
		case "false", "False":
			p.next()
			return &literalNode{value: false}, nil
		case "and", "or", "not", "in":
			return nil, fmt.Errorf("unexpected keyword %q at %d", t.text, t.pos)
		}
		p.next()
		parts := []string{t.text}
		for p.peek().kind == tokDot {
			p.next()
			nt := p.peek()
			if nt.kind != tokIdent {
				return nil, fmt.Errorf("expected attribute name at %d", nt.pos)
			}
			p.next()
			parts = append(parts, nt.text)
		}
		// a call would be a function invocation, which the grammar forbids
		if p.peek().kind == tokLParen {
			return nil, fmt.Errorf("function calls are not allowed at %d", p.peek().pos)
		}
		return &nameNode{parts: parts}, nil
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}
