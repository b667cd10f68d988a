// Package cel compiles CEL expressions from policy configuration into
// request predicates and cost functions. Expressions are compiled once
// at normalization time, never per request.
package cel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength bounds configured expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles policy expressions against the request environment.
//
// Exposed variables:
//
//	method        string            request method
//	path          string            URL path
//	host          string            request host
//	headers       map(string,string) first value per header, canonical keys
//	authenticated bool              principal verified by the auth layer
type Evaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewEvaluator creates an evaluator with the request environment.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("authenticated", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: environment: %w", err)
	}
	return &Evaluator{env: env, logger: logger}, nil
}

// compile parses and type-checks an expression.
func (e *Evaluator) compile(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, errors.New("cel: expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("cel: expression too long: %d characters (max %d)",
			len(expr), maxExpressionLength)
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: program creation failed: %w", err)
	}
	return prg, nil
}

// ExemptPredicate compiles expr into an exemption predicate. Evaluation
// errors resolve to "not exempt" so a broken expression can never turn
// limiting off.
func (e *Evaluator) ExemptPredicate(expr string, authenticated func(*http.Request) bool) (func(ctx context.Context, r *http.Request) bool, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, r *http.Request) bool {
		out, _, err := prg.ContextEval(ctx, activation(r, authenticated))
		if err != nil {
			e.logger.Warn("exempt expression failed", "expr", expr, "error", err)
			return false
		}
		b, ok := out.Value().(bool)
		if !ok {
			e.logger.Warn("exempt expression is not boolean", "expr", expr)
			return false
		}
		return b
	}, nil
}

// CostFunc compiles expr into a dynamic cost function. A failed or
// non-positive evaluation returns 0, which the driver treats as "use the
// policy's static cost".
func (e *Evaluator) CostFunc(expr string, authenticated func(*http.Request) bool) (func(r *http.Request) int64, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	return func(r *http.Request) int64 {
		out, _, err := prg.ContextEval(r.Context(), activation(r, authenticated))
		if err != nil {
			e.logger.Warn("cost expression failed", "expr", expr, "error", err)
			return 0
		}
		n, ok := out.Value().(int64)
		if !ok {
			e.logger.Warn("cost expression is not an integer", "expr", expr)
			return 0
		}
		return n
	}, nil
}

// activation builds the per-request variable bindings.
func activation(r *http.Request, authenticated func(*http.Request) bool) map[string]interface{} {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[http.CanonicalHeaderKey(name)] = values[0]
		}
	}
	auth := false
	if authenticated != nil {
		auth = authenticated(r)
	}
	return map[string]interface{}{
		"method":        r.Method,
		"path":          r.URL.Path,
		"host":          r.Host,
		"headers":       headers,
		"authenticated": auth,
	}
}
