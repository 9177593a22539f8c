package alert

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// operatorExpr maps comparison operators onto CEL over value and threshold.
var operatorExpr = map[domain.Operator]string{
	domain.OpGT:  "value > threshold",
	domain.OpGTE: "value >= threshold",
	domain.OpLT:  "value < threshold",
	domain.OpLTE: "value <= threshold",
	domain.OpEQ:  "value == threshold",
}

// Compiler turns alert conditions into CEL programs.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates the CEL environment shared by all conditions.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
		cel.Variable("text_value", cel.StringType),
		cel.Variable("text", cel.StringType),
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("country", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("is_flagged", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Condition is a compiled alert condition. A nil program never matches.
type Condition struct {
	cond    domain.AlertCondition
	program cel.Program
}

// Compile validates and compiles cond.
//
// VELOCITY has no source value and compiles to a condition that never
// matches. COUNTRY and CHANNEL compare strings and only EQ can match.
func (c *Compiler) Compile(cond domain.AlertCondition) (*Condition, error) {
	var expr string

	switch cond.Type {
	case domain.ConditionRiskScore, domain.ConditionAmount, domain.ConditionVelocity:
		e, ok := operatorExpr[cond.Operator]
		if !ok {
			return nil, fmt.Errorf("%w: unknown operator %q", domain.ErrInvalidInput, cond.Operator)
		}
		if cond.Type == domain.ConditionVelocity {
			return &Condition{cond: cond}, nil
		}
		expr = e
	case domain.ConditionCountry, domain.ConditionChannel:
		if _, ok := operatorExpr[cond.Operator]; !ok {
			return nil, fmt.Errorf("%w: unknown operator %q", domain.ErrInvalidInput, cond.Operator)
		}
		if cond.Operator != domain.OpEQ {
			return &Condition{cond: cond}, nil
		}
		expr = "text_value == text"
	case domain.ConditionExpression:
		if cond.Expression == "" {
			return nil, fmt.Errorf("%w: expression is required", domain.ErrInvalidInput)
		}
		expr = cond.Expression
	default:
		return nil, fmt.Errorf("%w: unknown condition type %q", domain.ErrInvalidInput, cond.Type)
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile condition: %v", domain.ErrInvalidInput, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: condition must return bool, got %s", domain.ErrInvalidInput, ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return &Condition{cond: cond, program: program}, nil
}

// Match evaluates the condition against a transaction. RISK_SCORE never
// matches an unscored transaction.
func (c *Condition) Match(tx *domain.Transaction) (bool, error) {
	if c.program == nil {
		return false, nil
	}

	var riskScore float64
	if tx.RiskScore != nil {
		riskScore = *tx.RiskScore
	}

	activation := map[string]any{
		"value":             0.0,
		"threshold":         c.cond.Value,
		"text_value":        "",
		"text":              c.cond.Text,
		"risk_score":        riskScore,
		"amount":            tx.Amount,
		"country":           tx.Country,
		"channel":           string(tx.Channel),
		"merchant_category": tx.MerchantCategory,
		"user_id":           tx.UserID,
		"is_flagged":        tx.IsFlagged,
	}

	switch c.cond.Type {
	case domain.ConditionRiskScore:
		if tx.RiskScore == nil {
			return false, nil
		}
		activation["value"] = riskScore
	case domain.ConditionAmount:
		activation["value"] = tx.Amount
	case domain.ConditionCountry:
		activation["text_value"] = tx.Country
	case domain.ConditionChannel:
		activation["text_value"] = string(tx.Channel)
	}

	out, _, err := c.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("condition returned %s, want bool", out.Type())
	}
	return bool(b), nil
}
