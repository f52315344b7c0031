package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/symbol-ai/loyalty/internal/domain"
)

// TimePolicy is the compiled "unusual time" predicate. The business
// boundary is tenant-configurable, so the expression is CEL over the
// visit clock rather than a hardcoded constant.
type TimePolicy struct {
	mu         sync.RWMutex
	env        *cel.Env
	expression string
	program    cel.Program
}

// NewTimePolicy compiles a policy from a CEL expression. An empty
// expression falls back to the default business-hours boundary.
func NewTimePolicy(expression string) (*TimePolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("hour", cel.IntType),
		cel.Variable("minute", cel.IntType),
		cel.Variable("weekday", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	p := &TimePolicy{env: env}
	if expression == "" {
		expression = domain.DefaultTimeExpression
	}
	if err := p.SetExpression(expression); err != nil {
		return nil, err
	}
	return p, nil
}

// SetExpression compiles and hot-swaps the policy expression.
func (p *TimePolicy) SetExpression(expression string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	program, err := p.compile(expression)
	if err != nil {
		return err
	}
	p.expression = expression
	p.program = program
	return nil
}

// Validate compiles an expression without mutating the loaded policy.
func (p *TimePolicy) Validate(expression string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, err := p.compile(expression)
	return err
}

// Expression returns the currently loaded expression.
func (p *TimePolicy) Expression() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.expression
}

// Unusual evaluates the predicate for a visit timestamp. Evaluation
// errors degrade to false: a broken policy must not inflate scores.
func (p *TimePolicy) Unusual(t time.Time) bool {
	p.mu.RLock()
	program := p.program
	p.mu.RUnlock()

	if program == nil {
		return false
	}

	out, _, err := program.Eval(map[string]any{
		"hour":    t.Hour(),
		"minute":  t.Minute(),
		"weekday": int(t.Weekday()),
	})
	if err != nil {
		return false
	}

	b, ok := out.(types.Bool)
	return ok && bool(b)
}

func (p *TimePolicy) compile(expression string) (cel.Program, error) {
	ast, issues := p.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile time policy: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("time policy must return bool, got %s", ast.OutputType())
	}

	program, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create time policy program: %w", err)
	}
	return program, nil
}
