package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reasonOf(t *testing.T, err error) *ValidationError {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected *ValidationError, got %T (%v)", err, err)
	return ve
}

func TestValidateMissingRequiredField(t *testing.T) {
	s := Object(map[string]*Schema{
		"merchant_id": Integer("merchant"),
		"timeframe":   Enum("window", "week", "month"),
	}, "merchant_id", "timeframe")

	err := Validate(s, map[string]any{"merchant_id": 1})
	ve := reasonOf(t, err)
	assert.Equal(t, MissingField, ve.Reason)
	assert.Equal(t, "timeframe", ve.Field)
}

func TestValidateTypes(t *testing.T) {
	s := Object(map[string]*Schema{
		"name":   String(""),
		"amount": Number(""),
		"count":  Integer(""),
		"flag":   Boolean(""),
		"list":   Array("", nil),
		"obj":    {Type: TypeObject},
	})

	tests := []struct {
		name  string
		args  map[string]any
		field string
	}{
		{"string ok", map[string]any{"name": "x"}, ""},
		{"string bad", map[string]any{"name": 3}, "name"},
		{"number int", map[string]any{"amount": 3}, ""},
		{"number float", map[string]any{"amount": 3.5}, ""},
		{"number string", map[string]any{"amount": "3"}, "amount"},
		{"integer whole float", map[string]any{"count": 4.0}, ""},
		{"integer fraction", map[string]any{"count": 4.2}, "count"},
		{"boolean bad", map[string]any{"flag": "true"}, "flag"},
		{"array typed slice", map[string]any{"list": []string{"a"}}, ""},
		{"array bad", map[string]any{"list": "a"}, "list"},
		{"object ok", map[string]any{"obj": map[string]any{}}, ""},
		{"object nil", map[string]any{"obj": nil}, "obj"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(s, tc.args)
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			ve := reasonOf(t, err)
			assert.Equal(t, TypeMismatch, ve.Reason)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestValidateEnum(t *testing.T) {
	s := Object(map[string]*Schema{
		"timeframe": Enum("", "week", "month"),
		"level":     {Type: TypeNumber, Enum: []any{1, 2, 3}},
	})

	require.NoError(t, Validate(s, map[string]any{"timeframe": "week"}))
	require.NoError(t, Validate(s, map[string]any{"level": 2.0}))

	ve := reasonOf(t, Validate(s, map[string]any{"timeframe": "decade"}))
	assert.Equal(t, EnumViolation, ve.Reason)

	ve = reasonOf(t, Validate(s, map[string]any{"level": 4}))
	assert.Equal(t, EnumViolation, ve.Reason)
}

func TestValidatePatternIsAnchored(t *testing.T) {
	s := Object(map[string]*Schema{
		"currency": String("").WithPattern("[A-Z]{3}"),
	})

	require.NoError(t, Validate(s, map[string]any{"currency": "USD"}))

	for _, v := range []string{"usd", "USDX", "xUSD", ""} {
		ve := reasonOf(t, Validate(s, map[string]any{"currency": v}))
		assert.Equal(t, PatternViolation, ve.Reason, v)
	}
}

func TestValidateInvalidPattern(t *testing.T) {
	s := Object(map[string]*Schema{"x": String("").WithPattern("([")})
	ve := reasonOf(t, Validate(s, map[string]any{"x": "a"}))
	assert.Equal(t, PatternViolation, ve.Reason)
}

func TestValidateNestedShapes(t *testing.T) {
	s := Object(map[string]*Schema{
		"address": Object(map[string]*Schema{
			"city": String(""),
		}, "city"),
		"targets": Array("", String("").WithPattern("^[A-Z]{3}$")),
	})

	require.NoError(t, Validate(s, map[string]any{
		"address": map[string]any{"city": "Lagos"},
		"targets": []any{"EUR", "GBP"},
	}))

	ve := reasonOf(t, Validate(s, map[string]any{"address": map[string]any{}}))
	assert.Equal(t, MissingField, ve.Reason)
	assert.Equal(t, "address.city", ve.Field)

	ve = reasonOf(t, Validate(s, map[string]any{"targets": []any{"EUR", "gbp"}}))
	assert.Equal(t, PatternViolation, ve.Reason)
	assert.Equal(t, "targets[1]", ve.Field)
}

func TestValidateOpenWorldAndStrict(t *testing.T) {
	s := Object(map[string]*Schema{"a": String("")})
	args := map[string]any{"a": "x", "extra": 42}

	assert.NoError(t, Validate(s, args))

	ve := reasonOf(t, Validate(s, args, Strict()))
	assert.Equal(t, UnknownField, ve.Reason)
	assert.Equal(t, "extra", ve.Field)
}

func TestValidateNilSchemaAndPurity(t *testing.T) {
	assert.NoError(t, Validate(nil, map[string]any{"anything": true}))

	s := Object(map[string]*Schema{"a": Number("")}, "a")
	args := map[string]any{"a": 1}
	require.NoError(t, Validate(s, args))
	assert.Equal(t, map[string]any{"a": 1}, args)
}

func TestSchemaMapRoundTrip(t *testing.T) {
	s := Object(map[string]*Schema{
		"currency": String("code").WithPattern("^[A-Z]{3}$"),
	}, "currency")

	back, err := FromMap(s.Map())
	require.NoError(t, err)
	assert.Equal(t, "string", back.PropertyType("currency"))
	assert.Equal(t, []string{"currency"}, back.Required)
	assert.Equal(t, "", back.PropertyType("missing"))
}
