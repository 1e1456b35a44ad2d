package criteria

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// The assertion sub-language: a single expression over the variable
// `output`, restricted to arithmetic, comparison, boolean, membership and
// subscript operators plus calls to a fixed helper set. The expression is
// parsed first and every AST node checked against the whitelist; anything
// else fails the test with "unsupported" before evaluation.

var assertionFuncs = map[string]bool{
	"len": true, "abs": true, "min": true, "max": true, "sum": true,
	"any": true, "all": true, "sorted": true, "range": true,
	"str": true, "int": true, "float": true, "bool": true,
}

// errUnsupported marks expressions using constructs outside the whitelist.
var errUnsupported = errors.New("unsupported")

// helperPrelude defines the callable whitelist inside the VM. It is
// trusted code; the whitelist walk applies only to the user expression.
const helperPrelude = `
function len(x) {
	if (x === null || x === undefined) throw new Error("len() of null");
	if (typeof x === "string" || Array.isArray(x)) return x.length;
	if (typeof x === "object") return Object.keys(x).length;
	throw new Error("object has no len()");
}
function abs(x) { return Math.abs(x); }
function min() {
	var a = (arguments.length === 1 && Array.isArray(arguments[0])) ? arguments[0] : Array.prototype.slice.call(arguments);
	if (a.length === 0) throw new Error("min() of empty sequence");
	return a.reduce(function(m, v) { return v < m ? v : m; });
}
function max() {
	var a = (arguments.length === 1 && Array.isArray(arguments[0])) ? arguments[0] : Array.prototype.slice.call(arguments);
	if (a.length === 0) throw new Error("max() of empty sequence");
	return a.reduce(function(m, v) { return v > m ? v : m; });
}
function sum(a) {
	var s = 0;
	for (var i = 0; i < a.length; i++) s += a[i];
	return s;
}
function any(a) {
	for (var i = 0; i < a.length; i++) if (a[i]) return true;
	return false;
}
function all(a) {
	for (var i = 0; i < a.length; i++) if (!a[i]) return false;
	return true;
}
function sorted(a) {
	return a.slice().sort(function(x, y) { return x < y ? -1 : x > y ? 1 : 0; });
}
function range(a, b) {
	var lo = 0, hi = a;
	if (b !== undefined) { lo = a; hi = b; }
	var out = [];
	for (var i = lo; i < hi; i++) out.push(i);
	return out;
}
function str(x) { return String(x); }
function int(x) { var n = Number(x); return n < 0 ? Math.ceil(n) : Math.floor(n); }
function float(x) { return Number(x); }
function bool(x) { return !!x; }
`

func runAssertion(ctx context.Context, t Test, deliverable json.RawMessage) TestResult {
	var params struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(t.Params, &params); err != nil || params.Expression == "" {
		return fail(t, "assertion requires an expression")
	}
	if len(params.Expression) > MaxExpressionLength {
		return fail(t, fmt.Sprintf("expression too long (max %d chars)", MaxExpressionLength))
	}

	if err := checkExpression(params.Expression); err != nil {
		if errors.Is(err, errUnsupported) {
			return fail(t, "unsupported")
		}
		return fail(t, "invalid expression: "+truncate(err.Error(), 200))
	}

	ok, err := evalAssertion(ctx, params.Expression, deliverable)
	if err != nil {
		return fail(t, "assertion error: "+truncate(err.Error(), 200))
	}
	if !ok {
		return fail(t, "assertion failed: "+truncate(params.Expression, 200))
	}
	return pass(t, "")
}

// checkExpression parses the expression and walks its AST against the
// whitelist. Identifiers resolve only to `output`, `undefined` and the helper set;
// attribute access, function definitions, assignment, and constructor
// calls are rejected.
func checkExpression(expr string) error {
	prog, err := parser.ParseFile(nil, "<assertion>", expr, 0)
	if err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}
	if len(prog.Body) != 1 {
		return errUnsupported
	}
	stmt, ok := prog.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return errUnsupported
	}
	return checkNode(stmt.Expression, false)
}

func checkNode(n ast.Expression, callee bool) error {
	switch e := n.(type) {
	case *ast.Identifier:
		name := string(e.Name)
		if callee {
			if !assertionFuncs[name] {
				return errUnsupported
			}
			return nil
		}
		if name != "output" && name != "undefined" {
			return errUnsupported
		}
		return nil
	case *ast.NumberLiteral, *ast.StringLiteral, *ast.BooleanLiteral, *ast.NullLiteral:
		return nil
	case *ast.ArrayLiteral:
		for _, el := range e.Value {
			if el == nil {
				continue
			}
			if err := checkNode(el, false); err != nil {
				return err
			}
		}
		return nil
	case *ast.UnaryExpression:
		switch e.Operator.String() {
		case "-", "+", "!":
		default:
			return errUnsupported
		}
		return checkNode(e.Operand, false)
	case *ast.BinaryExpression:
		if e.Operator.String() == "instanceof" {
			return errUnsupported
		}
		if err := checkNode(e.Left, false); err != nil {
			return err
		}
		return checkNode(e.Right, false)
	case *ast.BracketExpression:
		if err := checkNode(e.Left, false); err != nil {
			return err
		}
		return checkNode(e.Member, false)
	case *ast.CallExpression:
		if err := checkNode(e.Callee, true); err != nil {
			return err
		}
		for _, arg := range e.ArgumentList {
			if err := checkNode(arg, false); err != nil {
				return err
			}
		}
		return nil
	default:
		// DotExpression, FunctionLiteral, AssignExpression, NewExpression,
		// ObjectLiteral, ConditionalExpression, SequenceExpression, …
		return errUnsupported
	}
}

// evalAssertion runs the whitelisted expression in a fresh VM with only
// `output` and the helpers bound, under a hard wall-clock interrupt.
func evalAssertion(ctx context.Context, expr string, deliverable json.RawMessage) (bool, error) {
	var output any
	if len(deliverable) > 0 {
		if err := json.Unmarshal(deliverable, &output); err != nil {
			return false, fmt.Errorf("deliverable is not valid JSON: %w", err)
		}
	}

	vm := goja.New()
	if _, err := vm.RunString(helperPrelude); err != nil {
		return false, fmt.Errorf("init helpers: %w", err)
	}
	if err := vm.Set("output", output); err != nil {
		return false, err
	}

	deadline := 5 * time.Second
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}
	timer := time.AfterFunc(deadline, func() { vm.Interrupt("assertion timeout") })
	defer timer.Stop()
	defer vm.ClearInterrupt()

	val, err := vm.RunString("(" + expr + ")")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, errors.New("assertion timed out")
		}
		return false, err
	}
	return val.ToBoolean(), nil
}
