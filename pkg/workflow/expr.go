package workflow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/models"
)

const (
	exprOpen  = "${"
	exprClose = "}"
)

// Env carries the names visible to document expressions: the execution
// input, completed task results, the current with-items element, and
// the triggering error on error transitions.
type Env map[string]interface{}

// NewEnv seeds an environment with the execution input.
func NewEnv(input models.JSONMap) Env {
	env := Env{
		"input": map[string]interface{}(input),
		"tasks": map[string]interface{}{},
	}
	if input == nil {
		env["input"] = map[string]interface{}{}
	}
	return env
}

// WithTask exposes a completed task as tasks.<name>.{result,status}.
func (e Env) WithTask(name string, result interface{}, status models.TaskExecutionStatus) Env {
	tasks, _ := e["tasks"].(map[string]interface{})
	if tasks == nil {
		tasks = map[string]interface{}{}
		e["tasks"] = tasks
	}
	tasks[name] = map[string]interface{}{
		"result": result,
		"status": string(status),
	}
	return e
}

// WithItem exposes the current fan-out element as item / item_index.
func (e Env) WithItem(item interface{}, index int) Env {
	e["item"] = item
	e["item_index"] = index
	return e
}

// WithError exposes the triggering error message on error transitions.
func (e Env) WithError(message string) Env {
	e["error"] = message
	return e
}

// Clone returns a shallow copy with its own tasks map, so per-item or
// per-branch additions do not leak between evaluations.
func (e Env) Clone() Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}
	if tasks, ok := e["tasks"].(map[string]interface{}); ok {
		copied := make(map[string]interface{}, len(tasks))
		for k, v := range tasks {
			copied[k] = v
		}
		out["tasks"] = copied
	}
	return out
}

// HasExpression reports whether s contains a ${...} fragment.
func HasExpression(s string) bool {
	return strings.Contains(s, exprOpen)
}

// wholeExpression returns the inner code when s is exactly one ${...}
// fragment, which is the only form that preserves the result's type.
func wholeExpression(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, exprOpen) || !strings.HasSuffix(trimmed, exprClose) {
		return "", false
	}
	inner := trimmed[len(exprOpen) : len(trimmed)-len(exprClose)]
	if strings.Contains(inner, exprOpen) {
		return "", false
	}
	return inner, true
}

// unwrap returns the evaluatable code for condition and collection
// fields, which accept both bare expressions and the ${...} form.
func unwrap(s string) string {
	if inner, ok := wholeExpression(s); ok {
		return inner
	}
	return strings.TrimSpace(s)
}

func evalCode(code string, env Env) (interface{}, error) {
	program, err := expr.Compile(code)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile expression %q", code)
	}
	out, err := expr.Run(program, map[string]interface{}(env))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to evaluate expression %q", code)
	}
	return out, nil
}

// CheckExpression compile-checks a condition or collection field so bad
// syntax is rejected when the document is registered, not mid-run.
func CheckExpression(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	_, err := expr.Compile(unwrap(s))
	if err != nil {
		return errors.Wrapf(err, "invalid expression %q", s)
	}
	return nil
}

// CheckTemplate compile-checks every ${...} fragment reachable from a
// task input value.
func CheckTemplate(value interface{}) error {
	switch v := value.(type) {
	case string:
		return checkStringTemplate(v)
	case models.JSONMap:
		return CheckTemplate(map[string]interface{}(v))
	case map[string]interface{}:
		for _, elem := range v {
			if err := CheckTemplate(elem); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, elem := range v {
			if err := CheckTemplate(elem); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkStringTemplate(s string) error {
	for {
		start := strings.Index(s, exprOpen)
		if start < 0 {
			return nil
		}
		rest := s[start+len(exprOpen):]
		end := strings.Index(rest, exprClose)
		if end < 0 {
			return errors.Errorf("unterminated expression in %q", s)
		}
		if _, err := expr.Compile(rest[:end]); err != nil {
			return errors.Wrapf(err, "invalid expression %q", rest[:end])
		}
		s = rest[end+len(exprClose):]
	}
}

// Render resolves every ${...} fragment in value against env. A string
// that is exactly one fragment keeps the evaluated type; fragments
// embedded in longer strings are stringified in place.
func Render(value interface{}, env Env) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return renderString(v, env)
	case models.JSONMap:
		rendered, err := Render(map[string]interface{}(v), env)
		if err != nil {
			return nil, err
		}
		return models.JSONMap(rendered.(map[string]interface{})), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, elem := range v {
			rendered, err := Render(elem, env)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			rendered, err := Render(elem, env)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

func renderString(s string, env Env) (interface{}, error) {
	if inner, ok := wholeExpression(s); ok {
		return evalCode(inner, env)
	}
	if !HasExpression(s) {
		return s, nil
	}
	var b strings.Builder
	for {
		start := strings.Index(s, exprOpen)
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		b.WriteString(s[:start])
		rest := s[start+len(exprOpen):]
		end := strings.Index(rest, exprClose)
		if end < 0 {
			return nil, errors.Errorf("unterminated expression in %q", s)
		}
		out, err := evalCode(rest[:end], env)
		if err != nil {
			return nil, err
		}
		if out != nil {
			fmt.Fprintf(&b, "%v", out)
		}
		s = rest[end+len(exprClose):]
	}
}

// RenderInput resolves a task input template into the concrete payload
// sent to the executor.
func RenderInput(input models.JSONMap, env Env) (models.JSONMap, error) {
	if input == nil {
		return models.JSONMap{}, nil
	}
	rendered, err := Render(input, env)
	if err != nil {
		return nil, err
	}
	return rendered.(models.JSONMap), nil
}

// EvalCondition evaluates a transition guard. Empty conditions hold;
// any non-boolean result is a hard error rather than a truthiness guess.
func EvalCondition(cond string, env Env) (bool, error) {
	if strings.TrimSpace(cond) == "" {
		return true, nil
	}
	out, err := evalCode(unwrap(cond), env)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, errors.Errorf("condition %q evaluated to %T, want bool", cond, out)
	}
	return result, nil
}

// EvalCollection evaluates a with_items expression into the fan-out
// collection. An empty slice is legal; a non-slice result is not.
func EvalCollection(src string, env Env) ([]interface{}, error) {
	out, err := evalCode(unwrap(src), env)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.Errorf("with_items %q evaluated to nil, want a list", src)
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.Errorf("with_items %q evaluated to %T, want a list", src, out)
	}
	items := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}
