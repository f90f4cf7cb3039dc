package storage

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.einride.tech/aip/filtering"
)

// Filterable exposes the identifiers a stored object can be filtered on.
type Filterable interface {
	FilterVariablesMap() map[string]any
}

type IncludeFunc func(Filterable) bool

// Evaluator compiles an AIP-160 filter into a predicate. An empty filter includes everything; an object the
// program cannot evaluate is excluded.
func Evaluator(filter filtering.Filter) (IncludeFunc, error) {
	if filter.CheckedExpr == nil {
		return func(_ Filterable) bool {
			return true
		}, nil
	}

	env, err := Env()
	if err != nil {
		return nil, errors.Wrap(err, "creating cel env")
	}
	ast := cel.CheckedExprToAst(filter.CheckedExpr)

	program, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "creating program from ast")
	}
	return func(f Filterable) bool {
		out, det, err := program.Eval(f.FilterVariablesMap())
		if err != nil {
			logrus.WithError(err).
				WithField("details", det).
				Error("evaluating filter")
			return false
		}
		return out.Value() == true
	}, nil
}

// Env declares the AIP-160 functions the filters use, bound to CEL implementations.
func Env() (*cel.Env, error) {
	equals := func(lhs ref.Val, rhs ref.Val) ref.Val {
		return lhs.Equal(rhs)
	}
	notEquals := func(lhs ref.Val, rhs ref.Val) ref.Val {
		return types.Bool(lhs.Equal(rhs) != types.True)
	}
	and := func(lhs ref.Val, rhs ref.Val) ref.Val {
		return types.Bool(lhs == types.True && rhs == types.True)
	}
	or := func(lhs ref.Val, rhs ref.Val) ref.Val {
		return types.Bool(lhs == types.True || rhs == types.True)
	}
	return cel.NewEnv(
		cel.Function(filtering.FunctionEquals,
			cel.Overload(filtering.FunctionOverloadEqualsBool,
				[]*cel.Type{cel.BoolType, cel.BoolType}, cel.BoolType, cel.BinaryBinding(equals)),
			cel.Overload(filtering.FunctionOverloadEqualsString,
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType, cel.BinaryBinding(equals))),
		cel.Function(filtering.FunctionNotEquals,
			cel.Overload(filtering.FunctionOverloadNotEqualsString,
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType, cel.BinaryBinding(notEquals))),
		cel.Function(filtering.FunctionAnd,
			cel.Overload(filtering.FunctionOverloadAndBool,
				[]*cel.Type{cel.BoolType, cel.BoolType}, cel.BoolType, cel.BinaryBinding(and))),
		cel.Function(filtering.FunctionOr,
			cel.Overload(filtering.FunctionOverloadOrBool,
				[]*cel.Type{cel.BoolType, cel.BoolType}, cel.BoolType, cel.BinaryBinding(or))))
}
