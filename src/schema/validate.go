package schema

import (
	stdjson "encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

// Reason classifies a validation failure.
type Reason string

const (
	MissingField     Reason = "missing_field"
	TypeMismatch     Reason = "type_mismatch"
	EnumViolation    Reason = "enum_violation"
	PatternViolation Reason = "pattern_violation"
	UnknownField     Reason = "unknown_field"
)

// ValidationError reports the first field that failed validation.
type ValidationError struct {
	Field   string
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

// Option tunes a single Validate call.
type Option func(*options)

type options struct {
	strict bool
}

// Strict rejects fields that the schema does not declare. Off by default: undeclared
// fields are passed through unvalidated.
func Strict() Option {
	return func(o *options) { o.strict = true }
}

// Validate checks args against s. A nil schema accepts anything.
func Validate(s *Schema, args map[string]any, opts ...Option) error {
	if s == nil {
		return nil
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return validateObject("", s, args, o)
}

func validateObject(prefix string, s *Schema, obj map[string]any, o options) error {
	for _, field := range s.Required {
		if _, ok := obj[field]; !ok {
			path := join(prefix, field)
			return &ValidationError{
				Field:   path,
				Reason:  MissingField,
				Message: "Missing required argument: " + path,
			}
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		prop, declared := s.Properties[k]
		if !declared {
			if o.strict {
				path := join(prefix, k)
				return &ValidationError{
					Field:   path,
					Reason:  UnknownField,
					Message: "Unknown argument: " + path,
				}
			}
			continue
		}
		if err := validateValue(join(prefix, k), prop, obj[k], o); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, s *Schema, v any, o options) error {
	if s == nil {
		return nil
	}
	if s.Type != "" && !typeMatches(s.Type, v) {
		return &ValidationError{
			Field:   path,
			Reason:  TypeMismatch,
			Message: fmt.Sprintf("Field %s must be %s", path, article(s.Type)),
		}
	}
	if len(s.Enum) > 0 && !inEnum(s.Enum, v) {
		return &ValidationError{
			Field:   path,
			Reason:  EnumViolation,
			Message: fmt.Sprintf("Field %s must be one of %v", path, s.Enum),
		}
	}
	if str, ok := v.(string); ok && s.Pattern != "" {
		re, err := compile(s.Pattern)
		if err != nil {
			return &ValidationError{
				Field:   path,
				Reason:  PatternViolation,
				Message: fmt.Sprintf("Field %s has an invalid pattern %q: %v", path, s.Pattern, err),
			}
		}
		if !re.MatchString(str) {
			return &ValidationError{
				Field:   path,
				Reason:  PatternViolation,
				Message: fmt.Sprintf("Field %s does not match pattern %s", path, s.Pattern),
			}
		}
	}

	switch {
	case len(s.Properties) > 0 || len(s.Required) > 0:
		if m, ok := asObject(v); ok {
			return validateObject(path, s, m, o)
		}
	case s.Items != nil:
		if items, ok := asArray(v); ok {
			for i, item := range items {
				if err := validateValue(path+"["+strconv.Itoa(i)+"]", s.Items, item, o); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func typeMatches(t string, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && !math.IsInf(f, 0) && math.Trunc(f) == f
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		_, ok := asArray(v)
		return ok
	case TypeObject:
		_, ok := asObject(v)
		return ok
	case TypeNull:
		return v == nil
	default:
		// Unknown type keywords are not enforced.
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case nil, bool, string:
		return 0, false
	case stdjson.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func asArray(v any) ([]any, bool) {
	if a, ok := v.([]any); ok {
		return a, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asObject(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func inEnum(enum []any, v any) bool {
	vf, vNum := toFloat(v)
	for _, e := range enum {
		if vNum {
			if ef, ok := toFloat(e); ok && ef == vf {
				return true
			}
			continue
		}
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

var patterns sync.Map // string -> *regexp.Regexp

func compile(p string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + p + ")$")
	if err != nil {
		return nil, err
	}
	patterns.Store(p, re)
	return re, nil
}

func join(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}

func article(t string) string {
	switch t {
	case TypeArray, TypeObject, TypeInteger:
		return "an " + t
	default:
		return "a " + t
	}
}
