package model

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/dshills/datastack/pkg/types"
)

// compile prepares the attribute's validation predicate, if any.
// Predicates see the candidate value as `value` and the object's other
// values as `object`.
func (a *Attribute) compile() error {
	if a.Validate == "" {
		return nil
	}
	program, err := expr.Compile(a.Validate,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return fmt.Errorf("invalid validation predicate %q: %w", a.Validate, err)
	}
	a.predicate = program
	return nil
}

// Check runs the validation predicate against value. object carries the
// owning object's values keyed by attribute name. nil values are not
// checked; optionality is enforced separately.
func (a *Attribute) Check(value any, object map[string]any) error {
	if a.predicate == nil || value == nil {
		return nil
	}
	env := map[string]any{
		"value":  value,
		"object": object,
	}
	out, err := expr.Run(a.predicate, env)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrPredicateFailed, a.Validate, err)
	}
	if ok, _ := out.(bool); !ok {
		return fmt.Errorf("%w: %s", types.ErrPredicateFailed, a.Validate)
	}
	return nil
}
