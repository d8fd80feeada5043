package expr

import (
	"fmt"
	"reflect"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine parses and evaluates schema expressions. Parsed trees are cached
// by source text, evaluation never panics and never returns an error to the
// caller: anything that goes wrong yields nil and a diagnostic through the
// logger and the optional error hook.
type Engine struct {
	cache   *Cache
	logger  zerolog.Logger
	onError func(source string, err error)
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithLogger routes evaluation diagnostics through the given logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithCache shares a parse cache between engines.
func WithCache(cache *Cache) Option {
	return func(e *Engine) {
		if cache != nil {
			e.cache = cache
		}
	}
}

// WithErrorHook registers a callback invoked for every evaluation
// diagnostic, after logging. Used to feed error counters.
func WithErrorHook(hook func(source string, err error)) Option {
	return func(e *Engine) {
		e.onError = hook
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{cache: NewCache(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Parse returns the cached tree for source, parsing it on first use.
func (e *Engine) Parse(source string) (Node, error) {
	if node, ok := e.cache.Get(source); ok {
		return node, nil
	}
	node, err := Parse(source)
	if err != nil {
		return nil, err
	}
	e.cache.Set(source, node)
	return node, nil
}

// ClearCache drops all memoized parse trees, typically after a schema
// reload replaced the expressions in play.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// Evaluate runs source against env and returns the unwrapped result.
// Parse and evaluation failures surface as nil plus a diagnostic; the
// caller can treat any nil as "no value" without a second error channel.
func (e *Engine) Evaluate(source string, env map[string]interface{}) interface{} {
	node, err := e.Parse(source)
	if err != nil {
		e.report(source, err)
		return nil
	}
	c := &evalCtx{engine: e, source: source, env: env}
	value, err := c.eval(node)
	if err != nil {
		e.report(source, err)
		return nil
	}
	return Unwrap(value)
}

func (e *Engine) report(source string, err error) {
	e.logger.Debug().Str("expression", source).Err(err).Msg("expression evaluation failed")
	if e.onError != nil {
		e.onError(source, err)
	}
}

type evalCtx struct {
	engine *Engine
	source string
	env    map[string]interface{}
}

func (c *evalCtx) eval(node Node) (interface{}, error) {
	switch n := node.(type) {
	case *LiteralNode:
		return n.Value, nil
	case *IdentifierNode:
		return c.env[n.Name], nil
	case *MemberNode:
		obj, err := c.eval(n.Object)
		if err != nil {
			return nil, err
		}
		return c.member(obj, n.Property), nil
	case *IndexNode:
		obj, err := c.eval(n.Object)
		if err != nil {
			return nil, err
		}
		key, err := c.eval(n.Index)
		if err != nil {
			return nil, err
		}
		return c.index(obj, key), nil
	case *CallNode:
		return nil, fmt.Errorf("call expressions are not supported: %s", n.String())
	case *UnaryNode:
		return c.evalUnary(n)
	case *BinaryNode:
		return c.evalBinary(n)
	case *LogicalNode:
		return c.evalLogical(n)
	case *ConditionalNode:
		test, err := c.eval(n.Test)
		if err != nil {
			return nil, err
		}
		if Truthy(test) {
			return c.eval(n.Consequent)
		}
		return c.eval(n.Alternate)
	case *ArrayNode:
		values := make([]interface{}, len(n.Elements))
		for i, element := range n.Elements {
			if element == nil {
				continue
			}
			value, err := c.eval(element)
			if err != nil {
				return nil, err
			}
			values[i] = Unwrap(value)
		}
		return values, nil
	case *SequenceNode:
		var last interface{}
		for _, expr := range n.Exprs {
			value, err := c.eval(expr)
			if err != nil {
				return nil, err
			}
			last = value
		}
		return last, nil
	}
	return nil, fmt.Errorf("unknown node %T", node)
}

func (c *evalCtx) evalUnary(n *UnaryNode) (interface{}, error) {
	operand, err := c.eval(n.Operand)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "typeof":
		return TypeOf(operand), nil
	case "!":
		return !Truthy(operand), nil
	case "-", "+":
		raw := Unwrap(operand)
		if d, ok := raw.(decimal.Decimal); ok {
			if n.Op == "-" {
				return d.Neg(), nil
			}
			return d, nil
		}
		f, ok := coerceFloat(raw)
		if !ok {
			return nil, fmt.Errorf("unary %q needs a numeric operand, got %s", n.Op, TypeOf(raw))
		}
		if n.Op == "-" {
			return -f, nil
		}
		return f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.Op)
}

func (c *evalCtx) evalBinary(n *BinaryNode) (interface{}, error) {
	left, err := c.eval(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.eval(n.Right)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "==":
		return LooseEquals(left, right), nil
	case "!=":
		return !LooseEquals(left, right), nil
	case "===":
		return StrictEquals(left, right), nil
	case "!==":
		return !StrictEquals(left, right), nil
	case "<", "<=", ">", ">=":
		cmp, ok := compareValues(left, right)
		if !ok {
			c.engine.report(c.source, fmt.Errorf("cannot order %s against %s", TypeOf(left), TypeOf(right)))
			return false, nil
		}
		switch n.Op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	}
	return arith(n.Op, left, right)
}

// evalLogical returns the deciding operand itself, not a coerced boolean,
// and never evaluates the right side when the left already decides.
func (c *evalCtx) evalLogical(n *LogicalNode) (interface{}, error) {
	left, err := c.eval(n.Left)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "&&":
		if !Truthy(left) {
			return left, nil
		}
	case "||":
		if Truthy(left) {
			return left, nil
		}
	case "??":
		if Unwrap(left) != nil {
			return left, nil
		}
	default:
		return nil, fmt.Errorf("unknown logical operator %q", n.Op)
	}
	return c.eval(n.Right)
}

// member resolves obj.key. Wrappers answer their metadata keys first and
// delegate everything else to the value they wrap; nil objects yield nil
// instead of an error so chained access over absent data stays silent.
func (c *evalCtx) member(obj interface{}, key string) interface{} {
	if obj == nil {
		return nil
	}
	if r, ok := obj.(Resolver); ok {
		if value, ok := r.Get(key); ok {
			return value
		}
		return c.member(Unwrap(obj), key)
	}
	switch v := Unwrap(obj).(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v[key]
	case string:
		if key == "length" {
			return float64(len(v))
		}
		return nil
	}
	rv := reflect.ValueOf(Unwrap(obj))
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		mv := rv.MapIndex(reflect.ValueOf(key))
		if !mv.IsValid() {
			return nil
		}
		return mv.Interface()
	case reflect.Slice, reflect.Array:
		if key == "length" {
			return float64(rv.Len())
		}
		return nil
	case reflect.Struct:
		fv := rv.FieldByName(key)
		if !fv.IsValid() {
			fv = rv.FieldByName(exportedName(key))
		}
		if fv.IsValid() && fv.CanInterface() {
			return fv.Interface()
		}
		return nil
	}
	return nil
}

// index resolves obj[key]. String keys behave like member access, numeric
// keys index slices and strings; anything out of range yields nil.
func (c *evalCtx) index(obj, key interface{}) interface{} {
	if s, ok := Unwrap(key).(string); ok {
		return c.member(obj, s)
	}
	f, ok := toFloat(Unwrap(key))
	if !ok {
		return c.member(obj, Stringify(key))
	}
	base := Unwrap(obj)
	switch v := base.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v[formatNumber(f)]
	case string:
		runes := []rune(v)
		i := int(f)
		if i < 0 || i >= len(runes) {
			return nil
		}
		return string(runes[i])
	}
	rv := reflect.ValueOf(base)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		i := int(f)
		if i < 0 || i >= rv.Len() {
			return nil
		}
		return rv.Index(i).Interface()
	}
	return c.member(obj, formatNumber(f))
}

func exportedName(key string) string {
	if key == "" {
		return key
	}
	head := key[:1]
	upper := []byte(head)
	if upper[0] >= 'a' && upper[0] <= 'z' {
		upper[0] -= 'a' - 'A'
	}
	return string(upper) + key[1:]
}

func isFunc(v interface{}) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Func
}

// defaultEngine backs the package level helpers used when callers do not
// need logging or shared caches.
var defaultEngine = New()

// Evaluate runs source against env on the shared default engine.
func Evaluate(source string, env map[string]interface{}) interface{} {
	return defaultEngine.Evaluate(source, env)
}

// ClearCache clears the default engine's parse cache.
func ClearCache() {
	defaultEngine.ClearCache()
}
