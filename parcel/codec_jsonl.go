package parcel

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonNumberCodec decodes numbers as json.Number so integers keep full
// int64 precision until the schema decides their type.
var jsonNumberCodec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

const maxScanTokenSize = 10 * 1024 * 1024 // 10MB

// -----------------------------------------------------------------------------
// JSONL Codec
// -----------------------------------------------------------------------------

// JSONLOption configures a JSONL codec.
type JSONLOption func(*jsonlCodec)

// WithJSONLCompression compresses the whole stream on Encode.
func WithJSONLCompression(c Compression) JSONLOption {
	return func(j *jsonlCodec) {
		j.compression = c
	}
}

// jsonlCodec implements Codec using JSON Lines format.
type jsonlCodec struct {
	schema      *Schema
	compression Compression
}

// NewJSONLCodec creates a JSONL (JSON Lines) codec.
//
// Each row is serialized as a single JSON object. Timestamps are written
// as RFC 3339 strings and bytes as base64. When schema is nil, Decode
// infers one: numbers become int64 unless a column holds a fraction, and a
// column is nullable when any row lacks it.
//
// Decode detects gzip and zstd input by its magic number, whatever the
// configured compression.
func NewJSONLCodec(schema *Schema, opts ...JSONLOption) Codec {
	j := &jsonlCodec{schema: schema}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *jsonlCodec) Name() string {
	return "jsonl"
}

func (j *jsonlCodec) Encode(w io.Writer, t *Table, _ SaveOptions) error {
	if t == nil {
		return fmt.Errorf("jsonl: table is nil")
	}
	cw, err := j.compression.NewWriter(w)
	if err != nil {
		return err
	}
	enc := jsonCodec.NewEncoder(cw)
	for _, row := range t.Rows {
		if err := enc.Encode(row); err != nil {
			_ = cw.Close()
			return err
		}
	}
	return cw.Close()
}

func (j *jsonlCodec) Decode(r io.Reader, opts LoadOptions) (*Table, error) {
	rc, _, err := Decompress(r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var rows []Row
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row Row
		if err := jsonNumberCodec.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("%w: jsonl line %d: %w", ErrInvalidFormat, len(rows)+1, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var schema Schema
	if j.schema != nil {
		schema = *j.schema
	} else {
		schema = inferSchema(rows)
	}

	for i, row := range rows {
		for _, f := range schema.Fields {
			if f.Type != TypeBytes {
				continue
			}
			if s, ok := row[f.Name].(string); ok {
				b, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("%w: row %d field %q: invalid base64: %w", ErrSchemaViolation, i, f.Name, err)
				}
				row[f.Name] = b
			}
		}
	}

	t, err := NewTable(schema, rows)
	if err != nil {
		return nil, err
	}
	if len(opts.Columns) > 0 {
		return t.Select(opts.Columns...)
	}
	return t, nil
}

// inferSchema derives a schema from decoded JSON rows. Columns appear in
// order of first occurrence.
func inferSchema(rows []Row) Schema {
	var fields []Field
	index := make(map[string]int)
	typed := make(map[string]bool)

	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			i, ok := index[k]
			if !ok {
				i = len(fields)
				index[k] = i
				fields = append(fields, Field{Name: k, Type: TypeString})
			}
			v := row[k]
			if v == nil {
				fields[i].Nullable = true
				continue
			}
			t := jsonType(v)
			switch {
			case !typed[k]:
				fields[i].Type = t
				typed[k] = true
			case fields[i].Type == TypeInt64 && t == TypeFloat64:
				fields[i].Type = TypeFloat64
			}
		}
	}

	for i, f := range fields {
		for _, row := range rows {
			if _, ok := row[f.Name]; !ok {
				fields[i].Nullable = true
				break
			}
		}
	}
	return Schema{Fields: fields}
}

func jsonType(v any) Type {
	switch x := v.(type) {
	case bool:
		return TypeBool
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return TypeInt64
		}
		return TypeFloat64
	case float64:
		return TypeFloat64
	default:
		return TypeString
	}
}
