package parcel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// columnsMetadataKey stores the original column order; parquet groups
// order their fields by name.
const columnsMetadataKey = "parcel.columns"

// readBatchSize is the number of rows read per ReadRows call.
const readBatchSize = 128

// ParquetOption configures Parquet codec behavior.
type ParquetOption func(*parquetCodec)

// WithParquetCompression sets the compression used when SaveOptions does
// not name one. Default: "snappy".
func WithParquetCompression(name string) ParquetOption {
	return func(c *parquetCodec) {
		c.compression = name
	}
}

// parquetCodec implements Codec for Apache Parquet format.
type parquetCodec struct {
	compression string
}

// NewParquetCodec creates a Parquet codec.
//
// The schema is taken from the table on Encode and from the file footer on
// Decode; column order survives the round trip through file metadata.
// Returns an error if the default compression is unknown.
func NewParquetCodec(opts ...ParquetOption) (Codec, error) {
	c := &parquetCodec{compression: "snappy"}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := compressionCodec(c.compression); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *parquetCodec) Name() string {
	return "parquet"
}

func (c *parquetCodec) Encode(w io.Writer, t *Table, opts SaveOptions) error {
	if t == nil {
		return errors.New("parquet: table is nil")
	}
	if err := t.Schema.Validate(); err != nil {
		return err
	}
	if len(t.Schema.Fields) == 0 {
		return fmt.Errorf("%w: table has no columns", ErrSchemaViolation)
	}

	name := opts.Compression
	if name == "" {
		name = c.compression
	}
	codec, err := compressionCodec(name)
	if err != nil {
		return err
	}

	order, err := jsonCodec.MarshalToString(t.Schema.Names())
	if err != nil {
		return fmt.Errorf("parquet: encode column order: %w", err)
	}

	pqSchema := buildParquetSchema(t.Schema)
	writerOpts := []parquet.WriterOption{
		pqSchema,
		parquet.Compression(codec),
		parquet.KeyValueMetadata(columnsMetadataKey, order),
	}
	for k, v := range opts.Metadata {
		if k == columnsMetadataKey {
			continue
		}
		writerOpts = append(writerOpts, parquet.KeyValueMetadata(k, v))
	}

	// Fields of a parquet group are ordered by name.
	leaves := pqSchema.Fields()
	fields := make([]Field, len(leaves))
	for i, leaf := range leaves {
		fields[i], _ = t.Schema.Field(leaf.Name())
	}

	pqWriter := parquet.NewWriter(w, writerOpts...)

	groupSize := opts.RowGroupSize
	if groupSize <= 0 {
		groupSize = len(t.Rows)
	}

	batch := make([]parquet.Row, 0, min(groupSize, len(t.Rows)))
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := pqWriter.WriteRows(batch); err != nil {
			return fmt.Errorf("parquet: write rows: %w", err)
		}
		if err := pqWriter.Flush(); err != nil {
			return fmt.Errorf("parquet: flush row group: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for i, r := range t.Rows {
		row, err := rowToParquet(fields, r, i)
		if err != nil {
			_ = pqWriter.Close()
			return err
		}
		batch = append(batch, row)
		if len(batch) == groupSize {
			if err := flush(); err != nil {
				_ = pqWriter.Close()
				return err
			}
		}
	}
	if err := flush(); err != nil {
		_ = pqWriter.Close()
		return err
	}

	if err := pqWriter.Close(); err != nil {
		return fmt.Errorf("parquet: close writer: %w", err)
	}
	return nil
}

func (c *parquetCodec) Decode(r io.Reader, opts LoadOptions) (*Table, error) {
	// Read all content into buffer (parquet needs seeking)
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("parquet: read file: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrInvalidFormat
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidFormat
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	columns, err := fileColumns(file.Schema())
	if err != nil {
		return nil, err
	}

	schema := Schema{Fields: make([]Field, len(columns))}
	for i, col := range columns {
		schema.Fields[i] = col.field
	}
	if order, ok := file.Lookup(columnsMetadataKey); ok {
		schema = reorderSchema(schema, order)
	}

	t := &Table{Schema: schema, Rows: make([]Row, 0, file.NumRows())}
	if file.NumRows() > 0 {
		reader := parquet.NewReader(file)
		defer func() { _ = reader.Close() }()

		rows := make([]parquet.Row, readBatchSize)
		for {
			n, err := reader.ReadRows(rows)
			for i := 0; i < n; i++ {
				t.Rows = append(t.Rows, rowFromParquet(columns, rows[i]))
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("%w: read rows: %w", ErrInvalidFormat, err)
			}
		}
	}

	if len(opts.Columns) > 0 {
		return t.Select(opts.Columns...)
	}
	return t, nil
}

// -----------------------------------------------------------------------------
// Encoding helpers
// -----------------------------------------------------------------------------

func compressionCodec(name string) (compress.Codec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "lz4":
		return &parquet.Lz4Raw, nil
	case "brotli":
		return &parquet.Brotli, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// rowToParquet converts a row to a parquet Row in leaf column order.
func rowToParquet(fields []Field, r Row, index int) (parquet.Row, error) {
	row := make(parquet.Row, len(fields))
	for i, field := range fields {
		val, err := field.coerce(r[field.Name], index)
		if err != nil {
			return nil, err
		}
		if val == nil {
			row[i] = parquet.NullValue().Level(0, 0, i)
			continue
		}
		defLevel := 1
		if !field.Nullable {
			defLevel = 0
		}
		row[i] = toParquetValue(val).Level(0, defLevel, i)
	}
	return row, nil
}

// toParquetValue converts a canonical Go value to a parquet Value.
func toParquetValue(v any) parquet.Value {
	switch x := v.(type) {
	case int32:
		return parquet.Int32Value(x)
	case int64:
		return parquet.Int64Value(x)
	case float32:
		return parquet.FloatValue(x)
	case float64:
		return parquet.DoubleValue(x)
	case string:
		return parquet.ByteArrayValue([]byte(x))
	case bool:
		return parquet.BooleanValue(x)
	case []byte:
		return parquet.ByteArrayValue(x)
	case time.Time:
		return parquet.Int64Value(x.UnixNano())
	default:
		return parquet.NullValue()
	}
}

// buildParquetSchema creates a parquet-go schema from a table schema.
func buildParquetSchema(schema Schema) *parquet.Schema {
	group := make(parquet.Group, len(schema.Fields))
	for _, field := range schema.Fields {
		group[field.Name] = buildFieldNode(field)
	}
	return parquet.NewSchema("record", group)
}

func buildFieldNode(field Field) parquet.Node {
	var node parquet.Node

	switch field.Type {
	case TypeInt32:
		node = parquet.Int(32)
	case TypeInt64:
		node = parquet.Int(64)
	case TypeFloat32:
		node = parquet.Leaf(parquet.FloatType)
	case TypeFloat64:
		node = parquet.Leaf(parquet.DoubleType)
	case TypeString:
		node = parquet.String()
	case TypeBool:
		node = parquet.Leaf(parquet.BooleanType)
	case TypeBytes:
		node = parquet.Leaf(parquet.ByteArrayType)
	case TypeTimestamp:
		node = parquet.Timestamp(parquet.Nanosecond)
	default:
		// Schema.Validate rejects unknown types before we get here.
		panic(fmt.Sprintf("invalid Type %d for field %q", field.Type, field.Name))
	}

	if field.Nullable {
		node = parquet.Optional(node)
	}

	return node
}

// -----------------------------------------------------------------------------
// Decoding helpers
// -----------------------------------------------------------------------------

// fileColumn maps a leaf column of a file to a table field.
type fileColumn struct {
	field Field
	unit  time.Duration // timestamp unit, zero for other types
}

// fileColumns infers table fields from a file schema, in leaf order.
// Only flat schemas of primitive columns are supported.
func fileColumns(schema *parquet.Schema) ([]fileColumn, error) {
	nodes := schema.Fields()
	columns := make([]fileColumn, len(nodes))
	for i, node := range nodes {
		if !node.Leaf() || node.Repeated() {
			return nil, fmt.Errorf("%w: nested or repeated column %q is not supported", ErrSchemaViolation, node.Name())
		}
		col := fileColumn{field: Field{Name: node.Name(), Nullable: node.Optional()}}

		typ := node.Type()
		lt := typ.LogicalType()
		switch typ.Kind() {
		case parquet.Boolean:
			col.field.Type = TypeBool
		case parquet.Int32:
			col.field.Type = TypeInt32
		case parquet.Int64:
			col.field.Type = TypeInt64
			if lt != nil && lt.Timestamp != nil {
				col.field.Type = TypeTimestamp
				col.unit = timestampUnit(lt.Timestamp.Unit.Millis != nil, lt.Timestamp.Unit.Micros != nil)
			}
		case parquet.Float:
			col.field.Type = TypeFloat32
		case parquet.Double:
			col.field.Type = TypeFloat64
		case parquet.ByteArray:
			col.field.Type = TypeBytes
			if lt != nil && lt.UTF8 != nil {
				col.field.Type = TypeString
			}
		case parquet.FixedLenByteArray:
			col.field.Type = TypeBytes
		default:
			return nil, fmt.Errorf("%w: column %q has unsupported physical type %s", ErrSchemaViolation, node.Name(), typ.Kind())
		}
		columns[i] = col
	}
	return columns, nil
}

func timestampUnit(millis, micros bool) time.Duration {
	switch {
	case millis:
		return time.Millisecond
	case micros:
		return time.Microsecond
	default:
		return time.Nanosecond
	}
}

// reorderSchema restores the column order recorded in file metadata.
// The stored order is ignored if it does not name exactly the file's columns.
func reorderSchema(schema Schema, order string) Schema {
	var names []string
	if err := jsonCodec.UnmarshalFromString(order, &names); err != nil || len(names) != len(schema.Fields) {
		return schema
	}
	fields := make([]Field, 0, len(names))
	for _, n := range names {
		f, ok := schema.Field(n)
		if !ok {
			return schema
		}
		fields = append(fields, f)
	}
	return Schema{Fields: fields}
}

// rowFromParquet converts a parquet Row back to a table row.
func rowFromParquet(columns []fileColumn, row parquet.Row) Row {
	out := make(Row, len(columns))
	for _, val := range row {
		idx := val.Column()
		if idx < 0 || idx >= len(columns) {
			continue
		}
		col := columns[idx]
		if val.IsNull() {
			out[col.field.Name] = nil
			continue
		}
		out[col.field.Name] = fromParquetValue(val, col)
	}
	return out
}

// fromParquetValue converts a parquet Value to the canonical Go value.
func fromParquetValue(val parquet.Value, col fileColumn) any {
	switch col.field.Type {
	case TypeInt32:
		return val.Int32()
	case TypeInt64:
		return val.Int64()
	case TypeFloat32:
		return val.Float()
	case TypeFloat64:
		return val.Double()
	case TypeString:
		return string(val.ByteArray())
	case TypeBool:
		return val.Boolean()
	case TypeBytes:
		return bytes.Clone(val.ByteArray())
	case TypeTimestamp:
		return time.Unix(0, val.Int64()*int64(col.unit)).UTC()
	default:
		return nil
	}
}
