package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

// Host is everything the interpreter needs from the rest of the system to
// run side-effecting ops, injected the way executor.Storage/ExecutionHooks
// are injected into the teacher's Executor — the DSL package itself knows
// nothing about gorm, federation delivery, or notification storage.
type Host interface {
	UpdateProfile(idTag string, set map[string]Value) error
	GetProfile(idTag string) (map[string]Value, error)
	CreateAction(spec CreateActionSpec) (actionRef string, err error)
	GetAction(key, actionID string) (map[string]Value, error)
	UpdateAction(ref string, set map[string]Value) error
	DeleteAction(ref string) error
	BroadcastToFollowers(actionID string, token []byte) error
	SendToAudience(actionID string, token []byte, audience string) error
	CreateNotification(user, typ, actionID string, priority int) error
	Log(level, message string)
}

// CreateActionSpec is the argument to the CreateAction op (§4.6).
type CreateActionSpec struct {
	Type, SubType string
	Audience      string
	Parent        string
	Subject       string
	Content       Value
	Attachments   []string
}

// Context is the per-execution state threaded through every op: the
// triggering action's fields, the tenant/subject context objects, and the
// interpreter's own variables map.
type Context struct {
	Action    map[string]Value
	Subject   map[string]Value
	Tenant    map[string]Value
	Vars      map[string]Value
	Host      Host
	returning bool
	retVal    Value
}

// NewContext seeds a Context for one hook execution.
func NewContext(action, subject, tenant map[string]Value, host Host) *Context {
	return &Context{Action: action, Subject: subject, Tenant: tenant, Vars: map[string]Value{}, Host: host}
}

// Resolve looks up a dotted path against context fields then the variables
// map, e.g. "action.content.title", "subject.id_tag", "vars.count".
func (c *Context) Resolve(path string) (Value, error) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, fmt.Errorf("dsl: empty reference")
	}
	var root Value
	switch parts[0] {
	case "action":
		root = c.Action
	case "subject":
		root = c.Subject
	case "tenant":
		root = c.Tenant
	case "vars":
		root = c.Vars
	default:
		return nil, fmt.Errorf("dsl: unknown reference root %q", parts[0])
	}
	return walk(root, parts[1:])
}

func walk(v Value, path []string) (Value, error) {
	cur := v
	for _, p := range path {
		switch m := cur.(type) {
		case map[string]Value:
			cur = m[p]
		case map[string]any:
			cur = m[p]
		case []Value:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(m) {
				return nil, nil
			}
			cur = m[idx]
		default:
			return nil, nil
		}
	}
	return cur, nil
}
