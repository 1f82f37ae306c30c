package tool

import (
	"encoding/json"

	kerrors "agent-kernel/pkg/errors"
)

// ValidateInput 校验必填字段与基础类型；未在 properties 中声明的字段放行
func ValidateInput(s Schema, input map[string]any) error {
	if input == nil {
		return kerrors.Wrap(kerrors.ErrValidation, "input is nil")
	}
	for _, name := range s.Required {
		if v, ok := input[name]; !ok || v == nil {
			return kerrors.Wrapf(kerrors.ErrValidation, "missing required field %q", name)
		}
	}
	for name, prop := range s.Properties {
		v, ok := input[name]
		if !ok || v == nil {
			continue
		}
		if err := checkType(name, prop, v); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name string, prop SchemaProperty, v any) error {
	if prop.Type == "" {
		return nil
	}
	if !matchesType(prop.Type, v) {
		return kerrors.Wrapf(kerrors.ErrValidation, "field %q must be %s", name, prop.Type)
	}
	if prop.Type == "array" && prop.Items != nil {
		for i, it := range toSlice(v) {
			if !matchesType(prop.Items.Type, it) {
				return kerrors.Wrapf(kerrors.ErrValidation, "field %q[%d] must be %s", name, i, prop.Items.Type)
			}
		}
	}
	return nil
}

func toSlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, int32, json.Number:
			return true
		}
		return false
	case "integer":
		switch x := v.(type) {
		case int, int64, int32:
			return true
		case float64:
			return x == float64(int64(x))
		case json.Number:
			_, err := x.Int64()
			return err == nil
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	}
	return true
}

// StringArg 读取字符串参数
func StringArg(input map[string]any, key, def string) string {
	if s, ok := input[key].(string); ok {
		return s
	}
	return def
}

// BoolArg 读取布尔参数
func BoolArg(input map[string]any, key string, def bool) bool {
	if b, ok := input[key].(bool); ok {
		return b
	}
	return def
}

// StringSliceArg 读取字符串数组参数，非字符串元素导致 ok=false
func StringSliceArg(input map[string]any, key string) ([]string, bool) {
	switch x := input[key].(type) {
	case []string:
		return append([]string(nil), x...), true
	case []any:
		out := make([]string, 0, len(x))
		for _, it := range x {
			s, ok := it.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
