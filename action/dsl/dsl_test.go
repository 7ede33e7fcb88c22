package dsl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	created      []CreateActionSpec
	broadcasts   []string
	notifications int
	aborts       int
}

func (h *fakeHost) UpdateProfile(idTag string, set map[string]Value) error { return nil }
func (h *fakeHost) GetProfile(idTag string) (map[string]Value, error)      { return map[string]Value{}, nil }
func (h *fakeHost) CreateAction(spec CreateActionSpec) (string, error) {
	h.created = append(h.created, spec)
	return "a_new", nil
}
func (h *fakeHost) GetAction(key, actionID string) (map[string]Value, error) { return map[string]Value{}, nil }
func (h *fakeHost) UpdateAction(ref string, set map[string]Value) error      { return nil }
func (h *fakeHost) DeleteAction(ref string) error                            { return nil }
func (h *fakeHost) BroadcastToFollowers(actionID string, token []byte) error {
	h.broadcasts = append(h.broadcasts, actionID)
	return nil
}
func (h *fakeHost) SendToAudience(actionID string, token []byte, audience string) error { return nil }
func (h *fakeHost) CreateNotification(user, typ, actionID string, priority int) error {
	h.notifications++
	return nil
}
func (h *fakeHost) Log(level, message string) {}

func TestExpressionEvaluation(t *testing.T) {
	c := NewContext(map[string]Value{"likes": float64(3)}, nil, nil, &fakeHost{})

	v, err := Expr{Cmp: &CmpExpr{Op: CmpGt, Left: Expr{Ref: &RefExpr{Path: "action.likes"}}, Right: Expr{Lit: &LitExpr{Value: float64(1)}}}}.Eval(c)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Expr{Str: &StrExpr{Op: StrConcat, Operands: []Expr{
		{Lit: &LitExpr{Value: "hello "}},
		{Lit: &LitExpr{Value: "world"}},
	}}}.Eval(c)
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)

	v, err = Expr{Coalesce: []Expr{{Lit: &LitExpr{Value: nil}}, {Lit: &LitExpr{Value: "fallback"}}}}.Eval(c)
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestInterpreterRunsSetAndCreateAction(t *testing.T) {
	host := &fakeHost{}
	c := NewContext(map[string]Value{"id_tag": "bob.example.net"}, nil, nil, host)
	ip := NewInterpreter()

	hook := Hook{Kind: HookDsl, Ops: []Op{
		{Set: &OpSet{Var: "greeting", Value: Expr{Lit: &LitExpr{Value: "hi"}}}},
		{CreateAction: &OpCreateAction{Type: "CMNT", Content: Expr{Ref: &RefExpr{Path: "vars.greeting"}}, As: "ref"}},
	}}

	err := ip.Run(context.Background(), hook, c)
	require.NoError(t, err)
	assert.Equal(t, "hi", c.Vars["greeting"])
	require.Len(t, host.created, 1)
	assert.Equal(t, "CMNT", host.created[0].Type)
	assert.Equal(t, "a_new", c.Vars["ref"])
}

func TestInterpreterReturnStopsExecution(t *testing.T) {
	host := &fakeHost{}
	c := NewContext(nil, nil, nil, host)
	ip := NewInterpreter()

	hook := Hook{Kind: HookDsl, Ops: []Op{
		{Return: &OpReturn{}},
		{CreateNotification: &OpCreateNotification{User: Expr{Lit: &LitExpr{Value: "bob"}}, Type: Expr{Lit: &LitExpr{Value: "x"}}, ActionID: Expr{Lit: &LitExpr{Value: "a1"}}}},
	}}

	err := ip.Run(context.Background(), hook, c)
	require.NoError(t, err)
	assert.Equal(t, 0, host.notifications, "ops after Return must not execute")
}

func TestInterpreterForeachIterationCap(t *testing.T) {
	host := &fakeHost{}
	c := NewContext(nil, nil, nil, host)
	ip := NewInterpreter()

	items := make([]Value, maxForeachIters+1)
	hook := Hook{Kind: HookDsl, Ops: []Op{
		{Foreach: &OpForeach{Array: Expr{Lit: &LitExpr{Value: items}}, As: "x", Do: []Op{
			{CreateNotification: &OpCreateNotification{User: Expr{Lit: &LitExpr{Value: "bob"}}, Type: Expr{Lit: &LitExpr{Value: "x"}}, ActionID: Expr{Lit: &LitExpr{Value: "a1"}}}},
		}}},
	}}

	err := ip.Run(context.Background(), hook, c)
	assert.Error(t, err)
}

func TestOpBudgetExceeded(t *testing.T) {
	host := &fakeHost{}
	c := NewContext(nil, nil, nil, host)
	ip := NewInterpreter()

	var ops []Op
	for i := 0; i < maxOps+1; i++ {
		ops = append(ops, Op{Set: &OpSet{Var: "x", Value: Expr{Lit: &LitExpr{Value: float64(i)}}}})
	}
	hook := Hook{Kind: HookDsl, Ops: ops}

	err := ip.Run(context.Background(), hook, c)
	assert.Error(t, err)
}

func TestValidateFieldsRequiredAndForbidden(t *testing.T) {
	fc := FieldConstraints{Content: Required, Audience: Forbidden}

	err := ValidateFields(fc, ActionFields{Content: "hi"})
	assert.NoError(t, err)

	err = ValidateFields(fc, ActionFields{})
	assert.Error(t, err, "missing required content must fail")

	aud := "alice.example.net"
	err = ValidateFields(fc, ActionFields{Content: "hi", Audience: &aud})
	assert.Error(t, err, "forbidden audience must fail when present")
}

func TestValidateContentSchema(t *testing.T) {
	minLen := 1
	maxLen := 10
	schema := &ContentSchema{Type: ContentObject, Required: []string{"title"}, Fields: map[string]ContentSchema{
		"title": {Type: ContentString, MinLength: &minLen, MaxLength: &maxLen},
	}}

	err := ValidateContent(schema, map[string]Value{"title": "ok"})
	assert.NoError(t, err)

	err = ValidateContent(schema, map[string]Value{})
	assert.Error(t, err, "missing required field must fail")

	err = ValidateContent(schema, map[string]Value{"title": "this title is definitely too long"})
	assert.Error(t, err, "string exceeding max length must fail")
}

func TestHookResolutionPrefersSubType(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		Type:     "IDP",
		OnCreate: Hook{Kind: HookNone},
		SubTypes: map[string]Definition{
			"REG": {OnCreate: Hook{Kind: HookDsl, Ops: []Op{{Log: &OpLog{Level: "info", Message: Expr{Lit: &LitExpr{Value: "registered"}}}}}}},
		},
	})
	reg.Freeze()

	hook, found := reg.ResolveHook("IDP", "REG", func(d Definition) Hook { return d.OnCreate })
	require.True(t, found)
	assert.Equal(t, HookDsl, hook.Kind)

	hook, found = reg.ResolveHook("IDP", "UNKNOWN", func(d Definition) Hook { return d.OnCreate })
	require.True(t, found)
	assert.Equal(t, HookNone, hook.Kind, "falls back to the type-level hook when sub_typ is unrecognized")
}
