package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quarrylabs/quarry/pkg/apperrors"
)

// Boolean is stored as a SQL boolean; nil reads as false.
type Boolean struct{ Base }

func (f *Boolean) SQLType() string { return "BOOLEAN" }

func (f *Boolean) Decode(v any) (any, error) {
	if v == nil {
		return false, nil
	}
	return v, nil
}

// Integer is stored as a 64-bit integer.
type Integer struct{ Base }

func (f *Integer) SQLType() string { return "BIGINT" }

func (f *Integer) Decode(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int:
		return int64(n), nil
	}
	return nil, fmt.Errorf("field %s: cannot decode %T as integer", f.Name, v)
}

func (f *Integer) Encode(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return nil, fmt.Errorf("field %s: cannot encode %T as integer", f.Name, v)
}

// Float is stored as double precision.
type Float struct{ Base }

func (f *Float) SQLType() string { return "DOUBLE PRECISION" }

func (f *Float) Decode(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	return nil, fmt.Errorf("field %s: cannot decode %T as float", f.Name, v)
}

// Numeric is an exact decimal. Digits, when set, bounds [precision, scale]
// and is enforced after every mutation.
type Numeric struct {
	Base
	Digits *[2]int
}

func (f *Numeric) SQLType() string { return "NUMERIC" }

func (f *Numeric) Decode(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case decimal.Decimal:
		return n, nil
	case string:
		return decimal.NewFromString(n)
	case []byte:
		return decimal.NewFromString(string(n))
	case float64:
		return decimal.NewFromFloat(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	}
	return decimal.NewFromString(fmt.Sprint(v))
}

func (f *Numeric) Encode(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case decimal.Decimal:
		return n.String(), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return d.String(), nil
	case float64:
		return decimal.NewFromFloat(n).String(), nil
	case int64:
		return decimal.NewFromInt(n).String(), nil
	case int:
		return decimal.NewFromInt(int64(n)).String(), nil
	}
	return nil, fmt.Errorf("field %s: cannot encode %T as numeric", f.Name, v)
}

func (f *Numeric) Validate(v any) error {
	if v == nil || f.Digits == nil {
		return nil
	}
	d, ok := v.(decimal.Decimal)
	if !ok {
		return nil
	}
	precision, scale := f.Digits[0], f.Digits[1]
	if !d.Equal(d.Round(int32(scale))) {
		return validationError(apperrors.ValidationDigits, f.Name,
			fmt.Sprintf("value %s exceeds scale %d", d, scale))
	}
	intPart := d.Abs().Truncate(0)
	intDigits := 0
	if !intPart.IsZero() {
		intDigits = len(intPart.String())
	}
	if intDigits > precision-scale {
		return validationError(apperrors.ValidationDigits, f.Name,
			fmt.Sprintf("value %s exceeds precision %d", d, precision))
	}
	return nil
}

// Char is a size-bounded single-line string. Newlines are forbidden.
type Char struct {
	Base
	Size      int
	Translate bool
}

func (f *Char) SQLType() string {
	if f.Size > 0 {
		return fmt.Sprintf("VARCHAR(%d)", f.Size)
	}
	return "VARCHAR"
}

func (f *Char) Validate(v any) error {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	if strings.ContainsAny(s, "\n\r") {
		return validationError(apperrors.ValidationForbiddenCharacter, f.Name,
			"newline characters are not allowed")
	}
	if f.Size > 0 && len([]rune(s)) > f.Size {
		return validationError(apperrors.ValidationSize, f.Name,
			fmt.Sprintf("value longer than %d characters", f.Size))
	}
	return nil
}

// Text is an unbounded multi-line string.
type Text struct {
	Base
	Translate bool
}

func (f *Text) SQLType() string { return "TEXT" }

// SelectionOption is one allowed value of a Selection field.
type SelectionOption struct {
	Value string
	Label string
}

// Selection restricts a string to a fixed list of values.
type Selection struct {
	Base
	Options []SelectionOption
}

func (f *Selection) SQLType() string { return "VARCHAR" }

func (f *Selection) Validate(v any) error {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return validationError(apperrors.ValidationSelection, f.Name,
			fmt.Sprintf("non-string selection value %T", v))
	}
	if s == "" {
		return nil
	}
	for _, opt := range f.Options {
		if opt.Value == s {
			return nil
		}
	}
	return validationError(apperrors.ValidationSelection, f.Name,
		fmt.Sprintf("value %q is not a valid selection", s))
}

// Date is a calendar date without time of day.
type Date struct{ Base }

func (f *Date) SQLType() string { return "DATE" }

func (f *Date) Encode(v any) (any, error) {
	t, ok := v.(time.Time)
	if !ok {
		return v, nil
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// DateTime is an instant, stored without time zone in UTC.
type DateTime struct{ Base }

func (f *DateTime) SQLType() string { return "TIMESTAMP" }

func (f *DateTime) Encode(v any) (any, error) {
	t, ok := v.(time.Time)
	if !ok {
		return v, nil
	}
	return t.UTC().Truncate(time.Microsecond), nil
}

// Time is a time of day.
type Time struct{ Base }

func (f *Time) SQLType() string { return "TIME" }

func (f *Time) Decode(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse("15:04:05", t)
		if err != nil {
			return nil, validationError(apperrors.ValidationTimeFormat, f.Name, err.Error())
		}
		return parsed, nil
	}
	return v, nil
}

// Duration is stored as microseconds.
type Duration struct{ Base }

func (f *Duration) SQLType() string { return "BIGINT" }

func (f *Duration) Encode(v any) (any, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case time.Duration:
		return d.Microseconds(), nil
	case int64:
		return d, nil
	}
	return nil, fmt.Errorf("field %s: cannot encode %T as duration", f.Name, v)
}

func (f *Duration) Decode(v any) (any, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return time.Duration(d) * time.Microsecond, nil
	case time.Duration:
		return d, nil
	}
	return nil, fmt.Errorf("field %s: cannot decode %T as duration", f.Name, v)
}

// Binary is raw bytes. Always lazy: blobs are not worth caching eagerly.
type Binary struct{ Base }

func (f *Binary) SQLType() string { return "BYTEA" }
func (f *Binary) Eager() bool     { return false }

// Dict is a JSON object stored in a jsonb column.
type Dict struct{ Base }

func (f *Dict) SQLType() string { return "JSONB" }

func (f *Dict) Decode(v any) (any, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		var out map[string]any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return out, nil
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(b), &out); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return out, nil
	case map[string]any:
		return b, nil
	}
	return nil, fmt.Errorf("field %s: cannot decode %T as dict", f.Name, v)
}

func (f *Dict) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.Name, err)
	}
	return b, nil
}
