package dsl

import (
	"context"
	"fmt"
	"time"
)

const (
	maxOps             = 100
	maxForeachIters    = 100
	hookTimeout        = 5 * time.Second
)

// Interpreter runs a hook's op list against a Context, enforcing §4.6's
// bounds (5s wall-clock timeout, 100 operations per hook, 100 foreach
// iterations).
type Interpreter struct {
	opBudget int
}

func NewInterpreter() *Interpreter { return &Interpreter{} }

// Run executes a hook (§4.6). Native and the native half of Hybrid call
// straight into h.Native; Dsl and the DSL half of Hybrid run the op list.
func (ip *Interpreter) Run(parent context.Context, h Hook, c *Context) error {
	ctx, cancel := context.WithTimeout(parent, hookTimeout)
	defer cancel()

	switch h.Kind {
	case HookNone:
		return nil
	case HookNative:
		return runWithDeadline(ctx, func() error { return h.Native(c) })
	case HookDsl:
		ip.opBudget = maxOps
		return runWithDeadline(ctx, func() error { return ip.runOps(ctx, h.Ops, c) })
	case HookHybrid:
		ip.opBudget = maxOps
		returned := false
		if err := runWithDeadline(ctx, func() error {
			err := ip.runOps(ctx, h.Ops, c)
			if _, ok := err.(retSentinel); ok {
				returned = true
			}
			return err
		}); err != nil {
			return err
		}
		if returned {
			return nil
		}
		return runWithDeadline(ctx, func() error { return h.Native(c) })
	default:
		return fmt.Errorf("dsl: unknown hook kind %d", h.Kind)
	}
}

func runWithDeadline(ctx context.Context, f func() error) error {
	done := make(chan error, 1)
	go func() { done <- f() }()
	select {
	case err := <-done:
		if ret, ok := err.(retSentinel); ok {
			_ = ret
			return nil
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("dsl: hook execution timed out")
	}
}

// runOps executes ops in sequence, propagating Return as a sentinel that
// unwinds every enclosing If/Switch/Foreach back to the top-level caller,
// which treats it as success.
func (ip *Interpreter) runOps(ctx context.Context, ops []Op, c *Context) error {
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		ip.opBudget--
		if ip.opBudget < 0 {
			return fmt.Errorf("dsl: hook exceeded %d operations", maxOps)
		}
		if err := ip.runOp(ctx, op, c); err != nil {
			return err
		}
	}
	return nil
}

func (ip *Interpreter) runOp(ctx context.Context, op Op, c *Context) error {
	switch {
	case op.UpdateProfile != nil:
		return ip.doUpdateProfile(c, *op.UpdateProfile)
	case op.GetProfile != nil:
		return ip.doGetProfile(c, *op.GetProfile)
	case op.CreateAction != nil:
		return ip.doCreateAction(c, *op.CreateAction)
	case op.GetAction != nil:
		return ip.doGetAction(c, *op.GetAction)
	case op.UpdateAction != nil:
		return ip.doUpdateAction(c, *op.UpdateAction)
	case op.DeleteAction != nil:
		return c.Host.DeleteAction(op.DeleteAction.Target)

	case op.If != nil:
		return ip.doIf(ctx, c, *op.If)
	case op.Switch != nil:
		return ip.doSwitch(ctx, c, *op.Switch)
	case op.Foreach != nil:
		return ip.doForeach(ctx, c, *op.Foreach)
	case op.Return != nil:
		var v Value
		if op.Return.Value != nil {
			val, err := op.Return.Value.Eval(c)
			if err != nil {
				return err
			}
			v = val
		}
		return retSentinel{value: v}

	case op.Set != nil:
		v, err := op.Set.Value.Eval(c)
		if err != nil {
			return err
		}
		c.Vars[op.Set.Var] = v
		return nil
	case op.Get != nil:
		v, err := op.Get.From.Eval(c)
		if err != nil {
			return err
		}
		c.Vars[op.Get.As] = v
		return nil
	case op.Merge != nil:
		merged := map[string]Value{}
		for _, objExpr := range op.Merge.Objects {
			v, err := objExpr.Eval(c)
			if err != nil {
				return err
			}
			if m, ok := v.(map[string]Value); ok {
				for k, val := range m {
					merged[k] = val
				}
			}
		}
		c.Vars[op.Merge.As] = merged
		return nil

	case op.BroadcastToFollowers != nil:
		id, err := evalString(c, op.BroadcastToFollowers.ActionID)
		if err != nil {
			return err
		}
		tok, err := evalBytes(c, op.BroadcastToFollowers.Token)
		if err != nil {
			return err
		}
		return c.Host.BroadcastToFollowers(id, tok)
	case op.SendToAudience != nil:
		id, err := evalString(c, op.SendToAudience.ActionID)
		if err != nil {
			return err
		}
		tok, err := evalBytes(c, op.SendToAudience.Token)
		if err != nil {
			return err
		}
		aud, err := evalString(c, op.SendToAudience.Audience)
		if err != nil {
			return err
		}
		return c.Host.SendToAudience(id, tok, aud)

	case op.CreateNotification != nil:
		return ip.doCreateNotification(c, *op.CreateNotification)

	case op.Log != nil:
		msg, err := evalString(c, op.Log.Message)
		if err != nil {
			return err
		}
		c.Host.Log(op.Log.Level, msg)
		return nil
	case op.Abort != nil:
		msg, err := evalString(c, op.Abort.Error)
		if err != nil {
			return err
		}
		code := ""
		if op.Abort.Code != nil {
			code, err = evalString(c, *op.Abort.Code)
			if err != nil {
				return err
			}
		}
		return &abortError{message: msg, code: code}
	default:
		return fmt.Errorf("dsl: empty operation")
	}
}

func (ip *Interpreter) doUpdateProfile(c *Context, op OpUpdateProfile) error {
	target, err := c.Resolve(op.Target)
	if err != nil {
		return err
	}
	idTag, _ := target.(string)
	set := map[string]Value{}
	for k, e := range op.Set {
		v, err := e.Eval(c)
		if err != nil {
			return err
		}
		set[k] = v
	}
	return c.Host.UpdateProfile(idTag, set)
}

func (ip *Interpreter) doGetProfile(c *Context, op OpGetProfile) error {
	target, err := c.Resolve(op.Target)
	if err != nil {
		return err
	}
	idTag, _ := target.(string)
	p, err := c.Host.GetProfile(idTag)
	if err != nil {
		return err
	}
	if op.As != "" {
		c.Vars[op.As] = p
	}
	return nil
}

func (ip *Interpreter) doCreateAction(c *Context, op OpCreateAction) error {
	spec := CreateActionSpec{Type: op.Type, SubType: op.SubType}
	var err error
	if spec.Audience, err = evalOptString(c, op.Audience); err != nil {
		return err
	}
	if spec.Parent, err = evalOptString(c, op.Parent); err != nil {
		return err
	}
	if spec.Subject, err = evalOptString(c, op.Subject); err != nil {
		return err
	}
	if op.Content.Lit != nil || op.Content.Ref != nil || op.Content.Cmp != nil || op.Content.Logic != nil ||
		op.Content.Arith != nil || op.Content.Str != nil || op.Content.Tern != nil || op.Content.Coalesce != nil {
		spec.Content, err = op.Content.Eval(c)
		if err != nil {
			return err
		}
	}
	for _, a := range op.Attachments {
		v, err := evalString(c, a)
		if err != nil {
			return err
		}
		spec.Attachments = append(spec.Attachments, v)
	}
	ref, err := c.Host.CreateAction(spec)
	if err != nil {
		return err
	}
	if op.As != "" {
		c.Vars[op.As] = ref
	}
	return nil
}

func (ip *Interpreter) doGetAction(c *Context, op OpGetAction) error {
	key, err := evalOptString(c, op.Key)
	if err != nil {
		return err
	}
	actionID, err := evalOptString(c, op.ActionID)
	if err != nil {
		return err
	}
	a, err := c.Host.GetAction(key, actionID)
	if err != nil {
		return err
	}
	if op.As != "" {
		c.Vars[op.As] = a
	}
	return nil
}

func (ip *Interpreter) doUpdateAction(c *Context, op OpUpdateAction) error {
	target, err := c.Resolve(op.Target)
	if err != nil {
		return err
	}
	ref, _ := target.(string)
	set := map[string]Value{}
	for field, fo := range op.Set {
		switch {
		case fo.Set != nil:
			v, err := fo.Set.Eval(c)
			if err != nil {
				return err
			}
			set[field] = v
		case fo.Increment != nil:
			v, err := fo.Increment.Eval(c)
			if err != nil {
				return err
			}
			set[field] = map[string]Value{"$increment": v}
		case fo.Decrement != nil:
			v, err := fo.Decrement.Eval(c)
			if err != nil {
				return err
			}
			set[field] = map[string]Value{"$decrement": v}
		}
	}
	return c.Host.UpdateAction(ref, set)
}

func (ip *Interpreter) doIf(ctx context.Context, c *Context, op OpIf) error {
	v, err := op.Cond.Eval(c)
	if err != nil {
		return err
	}
	if truthy(v) {
		return ip.runOps(ctx, op.Then, c)
	}
	return ip.runOps(ctx, op.Else, c)
}

func (ip *Interpreter) doSwitch(ctx context.Context, c *Context, op OpSwitch) error {
	v, err := op.Value.Eval(c)
	if err != nil {
		return err
	}
	key := fmt.Sprint(v)
	if ops, ok := op.Cases[key]; ok {
		return ip.runOps(ctx, ops, c)
	}
	return ip.runOps(ctx, op.Default, c)
}

func (ip *Interpreter) doForeach(ctx context.Context, c *Context, op OpForeach) error {
	v, err := op.Array.Eval(c)
	if err != nil {
		return err
	}
	arr, ok := v.([]Value)
	if !ok {
		return fmt.Errorf("dsl: foreach requires an array")
	}
	if len(arr) > maxForeachIters {
		return fmt.Errorf("dsl: foreach exceeded %d iterations", maxForeachIters)
	}
	as := op.As
	if as == "" {
		as = "item"
	}
	prev, hadPrev := c.Vars[as]
	defer func() {
		if hadPrev {
			c.Vars[as] = prev
		} else {
			delete(c.Vars, as)
		}
	}()
	for _, item := range arr {
		c.Vars[as] = item
		if err := ip.runOps(ctx, op.Do, c); err != nil {
			return err
		}
	}
	return nil
}

func (ip *Interpreter) doCreateNotification(c *Context, op OpCreateNotification) error {
	user, err := evalString(c, op.User)
	if err != nil {
		return err
	}
	typ, err := evalString(c, op.Type)
	if err != nil {
		return err
	}
	actionID, err := evalString(c, op.ActionID)
	if err != nil {
		return err
	}
	priority := 0
	if op.Priority != nil {
		v, err := op.Priority.Eval(c)
		if err != nil {
			return err
		}
		if f, ok := asNumber(v); ok {
			priority = int(f)
		}
	}
	return c.Host.CreateNotification(user, typ, actionID, priority)
}

func evalString(c *Context, e Expr) (string, error) {
	v, err := e.Eval(c)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func evalOptString(c *Context, e Expr) (string, error) {
	if e.Lit == nil && e.Ref == nil && e.Cmp == nil && e.Logic == nil && e.Arith == nil && e.Str == nil && e.Tern == nil && e.Coalesce == nil {
		return "", nil
	}
	return evalString(c, e)
}

func evalBytes(c *Context, e Expr) ([]byte, error) {
	s, err := evalString(c, e)
	return []byte(s), err
}
