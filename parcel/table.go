package parcel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// -----------------------------------------------------------------------------
// Schema
// -----------------------------------------------------------------------------

// Type enumerates supported column types.
type Type int

// Column type constants.
const (
	TypeInt32 Type = iota
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBool
	TypeBytes
	TypeTimestamp
	typeMax // sentinel for validation
)

var typeNames = [...]string{
	TypeInt32:     "int32",
	TypeInt64:     "int64",
	TypeFloat32:   "float32",
	TypeFloat64:   "float64",
	TypeString:    "string",
	TypeBool:      "bool",
	TypeBytes:     "bytes",
	TypeTimestamp: "timestamp",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t < 0 || t >= typeMax {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType returns the Type with the given name.
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown type %q", ErrSchemaViolation, name)
}

// int32 bounds for overflow checks (stdlib has no int32 bounds constants).
const (
	minInt32     = -1 << 31
	maxInt32     = 1<<31 - 1
	maxSafeInt64 = 1 << 53 // max integer exactly representable in float64
)

// Timestamps are stored as nanoseconds since the Unix epoch in an int64.
var (
	minTimestamp = time.Unix(0, math.MinInt64).UTC()
	maxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// Field defines a single column.
type Field struct {
	Name     string
	Type     Type
	Nullable bool
}

// Schema defines the columns of a table, in order.
type Schema struct {
	Fields []Field
}

// Validate checks field names and types.
func (s Schema) Validate() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Type < 0 || f.Type >= typeMax {
			return fmt.Errorf("%w: invalid type %d for field %q", ErrSchemaViolation, f.Type, f.Name)
		}
		if f.Name == "" {
			return fmt.Errorf("%w: field name cannot be empty", ErrSchemaViolation)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field name %q", ErrSchemaViolation, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the field with the given name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// -----------------------------------------------------------------------------
// Table
// -----------------------------------------------------------------------------

// Row maps column names to values. A missing or nil value is null.
type Row map[string]any

// Table is an in-memory table: a schema and rows conforming to it.
//
// Values use canonical Go types per column type: int32, int64, float32,
// float64, string, bool, []byte and time.Time (UTC).
type Table struct {
	Schema Schema
	Rows   []Row
}

// NewTable validates schema and rows, converting each value to the
// canonical type of its column. Columns not in the schema are dropped.
func NewTable(schema Schema, rows []Row) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		row := make(Row, len(schema.Fields))
		for _, f := range schema.Fields {
			v, err := f.coerce(r[f.Name], i)
			if err != nil {
				return nil, err
			}
			row[f.Name] = v
		}
		out[i] = row
	}
	return &Table{Schema: schema, Rows: out}, nil
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Column returns the values of the named column.
func (t *Table) Column(name string) ([]any, error) {
	if _, ok := t.Schema.Field(name); !ok {
		return nil, fmt.Errorf("%w: column %q not found", ErrSchemaViolation, name)
	}
	col := make([]any, len(t.Rows))
	for i, r := range t.Rows {
		col[i] = r[name]
	}
	return col, nil
}

// Select returns a table restricted to the named columns, in the given order.
func (t *Table) Select(columns ...string) (*Table, error) {
	fields := make([]Field, 0, len(columns))
	for _, c := range columns {
		f, ok := t.Schema.Field(c)
		if !ok {
			return nil, fmt.Errorf("%w: column %q not found", ErrSchemaViolation, c)
		}
		fields = append(fields, f)
	}
	rows := make([]Row, len(t.Rows))
	for i, r := range t.Rows {
		row := make(Row, len(fields))
		for _, f := range fields {
			row[f.Name] = r[f.Name]
		}
		rows[i] = row
	}
	return &Table{Schema: Schema{Fields: fields}, Rows: rows}, nil
}

// Equal reports whether two tables have the same schema (names, types,
// nullability and order) and the same rows in the same order.
// Timestamps compare by instant.
func (t *Table) Equal(other *Table) bool {
	if t == nil || other == nil {
		return t == other
	}
	if len(t.Schema.Fields) != len(other.Schema.Fields) || len(t.Rows) != len(other.Rows) {
		return false
	}
	for i, f := range t.Schema.Fields {
		if f != other.Schema.Fields[i] {
			return false
		}
	}
	for i, r := range t.Rows {
		o := other.Rows[i]
		for _, f := range t.Schema.Fields {
			if !valueEqual(r[f.Name], o[f.Name]) {
				return false
			}
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}

// coerce converts v to the canonical Go type of the field.
//
//nolint:gocyclo // Type switch with validation for each column type is inherently complex.
func (f Field) coerce(v any, index int) (any, error) {
	if v == nil {
		if !f.Nullable {
			return nil, fmt.Errorf("%w: row %d missing required field %q", ErrSchemaViolation, index, f.Name)
		}
		return nil, nil
	}

	mismatch := func() error {
		return fmt.Errorf("%w: row %d field %q: expected %s, got %T", ErrSchemaViolation, index, f.Name, f.Type, v)
	}

	switch f.Type {
	case TypeInt32:
		n, ok, err := f.integer(v, index)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, mismatch()
		}
		if n < minInt32 || n > maxInt32 {
			return nil, fmt.Errorf("%w: row %d field %q: value %d overflows int32", ErrSchemaViolation, index, f.Name, n)
		}
		return int32(n), nil

	case TypeInt64:
		n, ok, err := f.integer(v, index)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, mismatch()
		}
		return n, nil

	case TypeFloat32:
		switch x := v.(type) {
		case float32:
			return x, nil
		case float64:
			return float32(x), nil
		case json.Number:
			d, err := x.Float64()
			if err != nil {
				return nil, mismatch()
			}
			return float32(d), nil
		}

	case TypeFloat64:
		switch x := v.(type) {
		case float32:
			return float64(x), nil
		case float64:
			return x, nil
		case json.Number:
			d, err := x.Float64()
			if err != nil {
				return nil, mismatch()
			}
			return d, nil
		}

	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}

	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}

	case TypeBytes:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}

	case TypeTimestamp:
		var ts time.Time
		switch x := v.(type) {
		case time.Time:
			ts = x
		case string:
			var err error
			ts, err = time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d field %q: invalid timestamp: %w", ErrSchemaViolation, index, f.Name, err)
			}
		default:
			return nil, mismatch()
		}
		if ts.Before(minTimestamp) || ts.After(maxTimestamp) {
			return nil, fmt.Errorf("%w: row %d field %q: timestamp %s outside %s..%s",
				ErrSchemaViolation, index, f.Name, ts.UTC().Format(time.RFC3339), minTimestamp.Format(time.RFC3339), maxTimestamp.Format(time.RFC3339))
		}
		return ts.UTC(), nil

	default:
		return nil, fmt.Errorf("%w: row %d field %q: unknown type %d", ErrSchemaViolation, index, f.Name, f.Type)
	}
	return nil, mismatch()
}

// integer extracts an int64 from integer-like values, including whole
// float64 and json.Number values decoded from JSON.
func (f Field) integer(v any, index int) (int64, bool, error) {
	switch x := v.(type) {
	case int:
		return int64(x), true, nil
	case int8:
		return int64(x), true, nil
	case int16:
		return int64(x), true, nil
	case int32:
		return int64(x), true, nil
	case int64:
		return x, true, nil
	case float64:
		if math.Trunc(x) != x {
			return 0, false, fmt.Errorf("%w: row %d field %q: float64 %v is not an integer", ErrSchemaViolation, index, f.Name, x)
		}
		if x < -maxSafeInt64 || x > maxSafeInt64 {
			return 0, false, fmt.Errorf("%w: row %d field %q: value %v exceeds safe integer range for float64", ErrSchemaViolation, index, f.Name, x)
		}
		return int64(x), true, nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("%w: row %d field %q: %q is not an integer", ErrSchemaViolation, index, f.Name, x.String())
		}
		return n, true, nil
	}
	return 0, false, nil
}
