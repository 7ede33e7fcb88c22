package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is the dynamic type every expression evaluates to: nil, bool,
// float64, string, []Value or map[string]Value — the same loose shape
// encoding/json already produces, kept explicit here so the interpreter
// never needs type-switches deeper than this file.
type Value = any

// Expr is the sum type for DSL expressions (§4.6 "Expressions"). Exactly
// one field is set, discriminated the way Op is (see ops.go) — a
// generalization of the teacher's @type-tagged union parsing
// (workflow/parser.go) from JSON documents to in-memory expression trees.
type Expr struct {
	Lit    *LitExpr    `json:"lit,omitempty"`
	Ref    *RefExpr    `json:"ref,omitempty"`
	Cmp    *CmpExpr    `json:"cmp,omitempty"`
	Logic  *LogicExpr  `json:"logic,omitempty"`
	Arith  *ArithExpr  `json:"arith,omitempty"`
	Str    *StrExpr    `json:"str,omitempty"`
	Tern   *TernExpr   `json:"tern,omitempty"`
	Coalesce []Expr    `json:"coalesce,omitempty"`
}

type LitExpr struct{ Value Value }

// RefExpr resolves a dotted path against context fields (action, subject,
// tenant) or the variables map, e.g. "action.content.title" or "vars.x".
type RefExpr struct{ Path string }

type CmpOp string

const (
	CmpEq CmpOp = "=="
	CmpNe CmpOp = "!="
	CmpLt CmpOp = "<"
	CmpLe CmpOp = "<="
	CmpGt CmpOp = ">"
	CmpGe CmpOp = ">="
)

type CmpExpr struct {
	Op          CmpOp
	Left, Right Expr
}

type LogicOp string

const (
	LogicAnd LogicOp = "and"
	LogicOr  LogicOp = "or"
	LogicNot LogicOp = "not"
)

type LogicExpr struct {
	Op       LogicOp
	Operands []Expr
}

type ArithOp string

const (
	ArithAdd ArithOp = "+"
	ArithSub ArithOp = "-"
	ArithMul ArithOp = "*"
	ArithDiv ArithOp = "/"
)

type ArithExpr struct {
	Op          ArithOp
	Left, Right Expr
}

type StrOp string

const (
	StrConcat     StrOp = "concat"
	StrContains   StrOp = "contains"
	StrStartsWith StrOp = "starts_with"
	StrEndsWith   StrOp = "ends_with"
)

type StrExpr struct {
	Op       StrOp
	Operands []Expr
}

type TernExpr struct {
	Cond, Then, Else Expr
}

// Eval evaluates e against ctx's variable/field bindings.
func (e Expr) Eval(ctx *Context) (Value, error) {
	switch {
	case e.Lit != nil:
		return e.Lit.Value, nil
	case e.Ref != nil:
		return ctx.Resolve(e.Ref.Path)
	case e.Cmp != nil:
		return evalCmp(ctx, *e.Cmp)
	case e.Logic != nil:
		return evalLogic(ctx, *e.Logic)
	case e.Arith != nil:
		return evalArith(ctx, *e.Arith)
	case e.Str != nil:
		return evalStr(ctx, *e.Str)
	case e.Tern != nil:
		cond, err := e.Tern.Cond.Eval(ctx)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return e.Tern.Then.Eval(ctx)
		}
		return e.Tern.Else.Eval(ctx)
	case e.Coalesce != nil:
		for _, c := range e.Coalesce {
			v, err := c.Eval(ctx)
			if err != nil {
				return nil, err
			}
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("dsl: empty expression")
	}
}

func truthy(v Value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func evalCmp(ctx *Context, e CmpExpr) (Value, error) {
	l, err := e.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := e.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case CmpEq:
		return equalValues(l, r), nil
	case CmpNe:
		return !equalValues(l, r), nil
	case CmpLt, CmpLe, CmpGt, CmpGe:
		lf, lok := asNumber(l)
		rf, rok := asNumber(r)
		if !lok || !rok {
			return nil, fmt.Errorf("dsl: ordering comparison requires numbers")
		}
		switch e.Op {
		case CmpLt:
			return lf < rf, nil
		case CmpLe:
			return lf <= rf, nil
		case CmpGt:
			return lf > rf, nil
		case CmpGe:
			return lf >= rf, nil
		}
	}
	return nil, fmt.Errorf("dsl: unknown comparison op %q", e.Op)
}

func equalValues(a, b Value) bool {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && (a == nil) == (b == nil)
}

func asNumber(v Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func evalLogic(ctx *Context, e LogicExpr) (Value, error) {
	switch e.Op {
	case LogicNot:
		if len(e.Operands) != 1 {
			return nil, fmt.Errorf("dsl: not takes exactly one operand")
		}
		v, err := e.Operands[0].Eval(ctx)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case LogicAnd:
		for _, op := range e.Operands {
			v, err := op.Eval(ctx)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case LogicOr:
		for _, op := range e.Operands {
			v, err := op.Eval(ctx)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, fmt.Errorf("dsl: unknown logic op %q", e.Op)
}

func evalArith(ctx *Context, e ArithExpr) (Value, error) {
	l, err := e.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := e.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}
	lf, lok := asNumber(l)
	rf, rok := asNumber(r)
	if !lok || !rok {
		return nil, fmt.Errorf("dsl: arithmetic requires numbers")
	}
	switch e.Op {
	case ArithAdd:
		return lf + rf, nil
	case ArithSub:
		return lf - rf, nil
	case ArithMul:
		return lf * rf, nil
	case ArithDiv:
		if rf == 0 {
			return nil, fmt.Errorf("dsl: division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("dsl: unknown arithmetic op %q", e.Op)
}

func evalStr(ctx *Context, e StrExpr) (Value, error) {
	vals := make([]string, len(e.Operands))
	for i, op := range e.Operands {
		v, err := op.Eval(ctx)
		if err != nil {
			return nil, err
		}
		vals[i] = fmt.Sprint(v)
	}
	switch e.Op {
	case StrConcat:
		return strings.Join(vals, ""), nil
	case StrContains:
		if len(vals) != 2 {
			return nil, fmt.Errorf("dsl: contains takes two operands")
		}
		return strings.Contains(vals[0], vals[1]), nil
	case StrStartsWith:
		if len(vals) != 2 {
			return nil, fmt.Errorf("dsl: starts_with takes two operands")
		}
		return strings.HasPrefix(vals[0], vals[1]), nil
	case StrEndsWith:
		if len(vals) != 2 {
			return nil, fmt.Errorf("dsl: ends_with takes two operands")
		}
		return strings.HasSuffix(vals[0], vals[1]), nil
	}
	return nil, fmt.Errorf("dsl: unknown string op %q", e.Op)
}
