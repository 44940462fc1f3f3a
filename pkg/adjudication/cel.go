package adjudication

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELPredicate evaluates an operator-supplied CEL expression against the
// event and projected state. Expressions are compiled once at startup; a
// true result flags the event as anomalous. Only deterministic inputs are
// bound, so the predicate stays a pure function.
type CELPredicate struct {
	name    string
	expr    string
	program cel.Program
}

// NewCELPredicate compiles one anomaly expression. The expression sees:
//
//	kind           string  - event kind under evaluation
//	amount         int     - amount in minor units
//	scope          string  - financed unit of work
//	balance        int     - envelope balance in minor units
//	settlements    int     - agent's settlement count
//	defaults       int     - agent's default count
//	scope_defaults int     - agent's prior defaults on this scope
//	score          double  - agent's reputation score in [0, 1]
func NewCELPredicate(name, expr string) (*CELPredicate, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("amount", cel.IntType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("balance", cel.IntType),
		cel.Variable("settlements", cel.IntType),
		cel.Variable("defaults", cel.IntType),
		cel.Variable("scope_defaults", cel.IntType),
		cel.Variable("score", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("adjudication: cel env failed: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("adjudication: rule %s does not compile: %w", name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("adjudication: rule %s must evaluate to bool, got %s", name, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("adjudication: rule %s program failed: %w", name, err)
	}
	return &CELPredicate{name: name, expr: expr, program: program}, nil
}

func (p *CELPredicate) Name() string { return p.name }

func (p *CELPredicate) Evaluate(in Input) (*Anomaly, error) {
	out, _, err := p.program.Eval(map[string]any{
		"kind":           in.Kind,
		"amount":         in.AmountMinor,
		"scope":          in.Scope,
		"balance":        in.Envelope.BalanceMinor,
		"settlements":    in.Reputation.Settlements,
		"defaults":       in.Reputation.Defaults,
		"scope_defaults": in.Reputation.ScopeDefaults[in.Scope],
		"score":          in.Reputation.Score(),
	})
	if err != nil {
		return nil, fmt.Errorf("eval failed: %w", err)
	}
	flagged, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("rule %s returned non-bool %T", p.name, out.Value())
	}
	if flagged {
		return &Anomaly{
			Rule:   p.name,
			Reason: fmt.Sprintf("rule %s matched: %s", p.name, p.expr),
		}, nil
	}
	return nil, nil
}
