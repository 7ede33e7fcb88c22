package dsl

import (
	"fmt"
	"regexp"
)

// ActionFields is the subset of an action's fields the engine validates
// against a Definition's FieldConstraints before running hooks (§4.6
// "Content validation").
type ActionFields struct {
	Content     Value
	Audience    *string
	Parent      *string
	Subject     *string
	Attachments []string
}

// ValidateFields enforces presence per FieldConstraints (§4.6, §3 Action
// invariant iii).
func ValidateFields(fc FieldConstraints, f ActionFields) error {
	check := func(name string, present bool, c Constraint) error {
		switch c {
		case Required:
			if !present {
				return fmt.Errorf("dsl: field %q is required", name)
			}
		case Forbidden:
			if present {
				return fmt.Errorf("dsl: field %q is forbidden", name)
			}
		}
		return nil
	}
	if err := check("content", f.Content != nil, fc.Content); err != nil {
		return err
	}
	if err := check("audience", f.Audience != nil, fc.Audience); err != nil {
		return err
	}
	if err := check("parent", f.Parent != nil, fc.Parent); err != nil {
		return err
	}
	if err := check("subject", f.Subject != nil, fc.Subject); err != nil {
		return err
	}
	if err := check("attachments", len(f.Attachments) > 0, fc.Attachments); err != nil {
		return err
	}
	return nil
}

// ValidateContent recursively checks v against schema (§4.6 "Content
// schema").
func ValidateContent(schema *ContentSchema, v Value) error {
	if schema == nil {
		return nil
	}
	switch schema.Type {
	case ContentString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("dsl: expected string content")
		}
		if schema.MinLength != nil && len(s) < *schema.MinLength {
			return fmt.Errorf("dsl: content shorter than minimum length %d", *schema.MinLength)
		}
		if schema.MaxLength != nil && len(s) > *schema.MaxLength {
			return fmt.Errorf("dsl: content longer than maximum length %d", *schema.MaxLength)
		}
		if schema.Pattern != "" {
			re, err := regexp.Compile(schema.Pattern)
			if err != nil {
				return fmt.Errorf("dsl: invalid content pattern: %w", err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("dsl: content does not match required pattern")
			}
		}
		if len(schema.Enum) > 0 && !contains(schema.Enum, s) {
			return fmt.Errorf("dsl: content %q is not one of the allowed values", s)
		}
		return nil

	case ContentNumber:
		if _, ok := asNumber(v); !ok {
			return fmt.Errorf("dsl: expected numeric content")
		}
		return nil

	case ContentBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("dsl: expected boolean content")
		}
		return nil

	case ContentArray:
		arr, ok := v.([]Value)
		if !ok {
			return fmt.Errorf("dsl: expected array content")
		}
		for _, item := range arr {
			if err := ValidateContent(schema.Items, item); err != nil {
				return err
			}
		}
		return nil

	case ContentJSON:
		return nil // any well-formed JSON value is accepted

	case ContentObject:
		obj, ok := v.(map[string]Value)
		if !ok {
			return fmt.Errorf("dsl: expected object content")
		}
		for _, req := range schema.Required {
			if _, ok := obj[req]; !ok {
				return fmt.Errorf("dsl: content missing required field %q", req)
			}
		}
		for field, fieldSchema := range schema.Fields {
			fv, ok := obj[field]
			if !ok {
				continue
			}
			if err := ValidateContent(&fieldSchema, fv); err != nil {
				return fmt.Errorf("dsl: field %q: %w", field, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("dsl: unknown content schema type")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
