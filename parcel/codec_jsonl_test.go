package parcel

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJSONLCodec_EncodeDecodeWithSchema(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "id", Type: TypeInt64},
		{Name: "at", Type: TypeTimestamp},
		{Name: "raw", Type: TypeBytes},
		{Name: "ratio", Type: TypeFloat32, Nullable: true},
	}}
	table, err := NewTable(schema, []Row{
		{"id": 1, "at": time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC), "raw": []byte("hi"), "ratio": 0.25},
		{"id": 2, "at": time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), "raw": []byte{}, "ratio": nil},
	})
	if err != nil {
		t.Fatal(err)
	}

	codec := NewJSONLCodec(&schema)
	var buf bytes.Buffer
	if err := codec.Encode(&buf, table, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}

	got, err := codec.Decode(&buf, LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !table.Equal(got) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", table.Rows, got.Rows)
	}
}

func TestJSONLCodec_Compression(t *testing.T) {
	table := sampleTable(t)
	plain := NewJSONLCodec(&table.Schema)

	for _, c := range []Compression{CompressionGzip, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewJSONLCodec(&table.Schema, WithJSONLCompression(c)).Encode(&buf, table, SaveOptions{}); err != nil {
				t.Fatal(err)
			}
			if bytes.HasPrefix(buf.Bytes(), []byte("{")) {
				t.Fatal("output is not compressed")
			}

			got, err := plain.Decode(&buf, LoadOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if !table.Equal(got) {
				t.Errorf("round trip mismatch: %+v", got.Rows)
			}
		})
	}
}

func TestJSONLCodec_InferSchema(t *testing.T) {
	input := `{"id":1,"name":"a","score":1,"ok":true}
{"id":2,"name":"b","score":2.5}

{"id":9007199254740993,"name":null,"score":3}
`
	got, err := NewJSONLCodec(nil).Decode(strings.NewReader(input), LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}

	want := []Field{
		{Name: "id", Type: TypeInt64},
		{Name: "name", Type: TypeString, Nullable: true},
		{Name: "ok", Type: TypeBool, Nullable: true},
		{Name: "score", Type: TypeFloat64},
	}
	if len(got.Schema.Fields) != len(want) {
		t.Fatalf("fields = %+v, want %+v", got.Schema.Fields, want)
	}
	for i, f := range want {
		if got.Schema.Fields[i] != f {
			t.Errorf("field %d = %+v, want %+v", i, got.Schema.Fields[i], f)
		}
	}
	if got.Rows[2]["id"] != int64(9007199254740993) {
		t.Errorf("large id lost precision: %v", got.Rows[2]["id"])
	}
	if got.Rows[0]["score"] != float64(1) {
		t.Errorf("score = %#v, want float64(1)", got.Rows[0]["score"])
	}
}

func TestJSONLCodec_Projection(t *testing.T) {
	got, err := NewJSONLCodec(nil).Decode(strings.NewReader(`{"a":1,"b":"x"}`+"\n"), LoadOptions{Columns: []string{"b"}})
	if err != nil {
		t.Fatal(err)
	}
	if names := got.Schema.Names(); len(names) != 1 || names[0] != "b" {
		t.Errorf("names = %v, want [b]", names)
	}
}

func TestJSONLCodec_Errors(t *testing.T) {
	codec := NewJSONLCodec(nil)

	if _, err := codec.Decode(strings.NewReader("{not json}\n"), LoadOptions{}); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
	if err := codec.Encode(&bytes.Buffer{}, nil, SaveOptions{}); err == nil {
		t.Error("expected error for nil table")
	}

	schema := Schema{Fields: []Field{{Name: "raw", Type: TypeBytes}}}
	_, err := NewJSONLCodec(&schema).Decode(strings.NewReader(`{"raw":"***"}`+"\n"), LoadOptions{})
	if !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("expected ErrSchemaViolation for bad base64, got %v", err)
	}
}

func TestJSONLCodec_Empty(t *testing.T) {
	got, err := NewJSONLCodec(nil).Decode(strings.NewReader(""), LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got.NumRows() != 0 || len(got.Schema.Fields) != 0 {
		t.Errorf("got %+v", got)
	}
	if NewJSONLCodec(nil).Name() != "jsonl" {
		t.Error("name")
	}
}
