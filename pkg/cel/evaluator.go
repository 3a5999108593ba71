// Package cel compiles subscription filters. A filter sees the envelope
// fields, the decoded payload, and post_id and user_id lifted out of the
// payload so most filters need no map access.
package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"postmesh/pkg/models"
)

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("routing_key", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("post_id", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// ValidateFilterExpression reports whether expression compiles to a boolean.
func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}
	return ast, nil
}

// Filter is a compiled boolean expression evaluated against envelopes.
type Filter struct {
	expression string
	program    cel.Program
}

func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	ast, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{expression: expression, program: program}, nil
}

func (f *Filter) String() string {
	return f.expression
}

// Match evaluates the filter. A reference to a payload field the message
// lacks is an evaluation error, not a false match.
func (f *Filter) Match(ctx context.Context, msg models.MessageEnvelope) (bool, error) {
	vars, err := activation(msg)
	if err != nil {
		return false, err
	}

	result, _, err := f.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}
	return matched, nil
}

func activation(msg models.MessageEnvelope) (map[string]interface{}, error) {
	payload, err := msg.PayloadMap()
	if err != nil {
		return nil, err
	}

	postID, _ := payload["postId"].(string)
	userID, _ := payload["userId"].(string)

	metadata := map[string]interface{}{}
	if msg.Metadata.TraceID != "" {
		metadata["trace_id"] = msg.Metadata.TraceID
	}
	if msg.Metadata.DeadLetter != nil {
		metadata["dead_letter"] = msg.Metadata.DeadLetter
	}

	return map[string]interface{}{
		"id":          msg.ID,
		"source":      msg.Source,
		"routing_key": msg.RoutingKey,
		"timestamp":   msg.Timestamp,
		"post_id":     postID,
		"user_id":     userID,
		"payload":     payload,
		"metadata":    metadata,
	}, nil
}
