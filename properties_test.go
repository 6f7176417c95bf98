package geopackage

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb/geojson"
)

func TestInferColumnType(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected flattypes.ColumnType
	}{
		{"bool", true, flattypes.ColumnTypeBool},
		{"int64", int64(9999999999), flattypes.ColumnTypeLong},
		{"int", 42, flattypes.ColumnTypeLong},
		{"uint64", uint64(1), flattypes.ColumnTypeULong},
		{"float64", 3.14159, flattypes.ColumnTypeDouble},
		{"string", "hello", flattypes.ColumnTypeString},
		{"datetime string", "2024-05-01T12:00:00Z", flattypes.ColumnTypeDateTime},
		{"time", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), flattypes.ColumnTypeDateTime},
		{"blob", []byte{1, 2}, flattypes.ColumnTypeBinary},
		{"map", map[string]interface{}{"key": "value"}, flattypes.ColumnTypeJson},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := inferColumnType(tt.value)
			if !ok {
				t.Fatal("expected a type")
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}

	if _, ok := inferColumnType(nil); ok {
		t.Error("expected nil to carry no type")
	}
}

func TestPromoteColumnType(t *testing.T) {
	tests := []struct {
		name     string
		a, b     flattypes.ColumnType
		expected flattypes.ColumnType
	}{
		{"same type", flattypes.ColumnTypeLong, flattypes.ColumnTypeLong, flattypes.ColumnTypeLong},
		{"bool to long", flattypes.ColumnTypeBool, flattypes.ColumnTypeLong, flattypes.ColumnTypeLong},
		{"long to double", flattypes.ColumnTypeLong, flattypes.ColumnTypeDouble, flattypes.ColumnTypeDouble},
		{"any to json", flattypes.ColumnTypeLong, flattypes.ColumnTypeJson, flattypes.ColumnTypeJson},
		{"number to string", flattypes.ColumnTypeDouble, flattypes.ColumnTypeString, flattypes.ColumnTypeString},
		{"datetime to string", flattypes.ColumnTypeDateTime, flattypes.ColumnTypeString, flattypes.ColumnTypeString},
		{"blob and text", flattypes.ColumnTypeBinary, flattypes.ColumnTypeString, flattypes.ColumnTypeJson},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := promoteColumnType(tt.a, tt.b); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestColumnSchema(t *testing.T) {
	s := newColumnSchema([]string{"id", "score", "note", "empty"}, []string{"INTEGER", "REAL", "TEXT", ""})

	s.observe(0, int64(1))
	s.observe(0, int64(2))
	s.observe(1, int64(3))
	s.observe(1, 4.5)
	s.observe(2, "a")
	s.observe(2, nil)
	s.observe(3, nil)

	cols := s.columns()
	want := []ColumnInfo{
		{Name: "id", Type: "Long", DBType: "INTEGER"},
		{Name: "score", Type: "Double", DBType: "REAL"},
		{Name: "note", Type: "String", DBType: "TEXT", Nullable: true},
		{Name: "empty", Type: "String", Nullable: true},
	}
	if len(cols) != len(want) {
		t.Fatalf("expected %d columns, got %d", len(want), len(cols))
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("column %d: expected %+v, got %+v", i, want[i], cols[i])
		}
	}
}

func TestPropertyValue(t *testing.T) {
	src := []byte{1, 2, 3}
	got := propertyValue(src).([]byte)
	src[0] = 9
	if got[0] != 1 {
		t.Error("expected blob to be copied")
	}

	if v := propertyValue(int32(7)); v != int64(7) {
		t.Errorf("expected int64(7), got %#v", v)
	}

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if v := propertyValue(ts); v != "2024-05-01T12:00:00Z" {
		t.Errorf("unexpected time value %#v", v)
	}
}

func TestEncodeProperties(t *testing.T) {
	cols := []ColumnInfo{
		{Name: "name", Type: "String"},
		{Name: "population", Type: "Long"},
		{Name: "missing", Type: "Double"},
		{Name: "area", Type: "Double"},
		{Name: "capital", Type: "Bool"},
	}
	props := geojson.Properties{
		"name":       "Paris",
		"population": int64(2161000),
		"area":       105.4,
		"capital":    int64(1),
	}

	data, err := encodeProperties(props, cols)
	if err != nil {
		t.Fatalf("encodeProperties failed: %v", err)
	}

	var want bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&want, le, uint16(0))
	_ = binary.Write(&want, le, uint32(5))
	want.WriteString("Paris")
	_ = binary.Write(&want, le, uint16(1))
	_ = binary.Write(&want, le, int64(2161000))
	_ = binary.Write(&want, le, uint16(3))
	_ = binary.Write(&want, le, math.Float64bits(105.4))
	_ = binary.Write(&want, le, uint16(4))
	want.WriteByte(1)

	if !bytes.Equal(data, want.Bytes()) {
		t.Errorf("unexpected encoding\n got %v\nwant %v", data, want.Bytes())
	}
}

func TestEncodeProperties_Empty(t *testing.T) {
	data, err := encodeProperties(nil, []ColumnInfo{{Name: "a", Type: "Long"}})
	if err != nil || data != nil {
		t.Errorf("expected nil, nil; got %v, %v", data, err)
	}
}

func TestFGBColumns(t *testing.T) {
	builder := flatbuffers.NewBuilder(256)
	cols := fgbColumns([]ColumnInfo{
		{Name: "name", Type: "String"},
		{Name: "value", Type: "Long"},
	}, builder)

	if len(cols) != 2 {
		t.Errorf("expected 2 columns, got %d", len(cols))
	}
	if fgbColumns(nil, builder) != nil {
		t.Error("expected nil columns for empty schema")
	}
	if got := fgbColumnType(ColumnInfo{Type: "Nope"}); got != flattypes.ColumnTypeString {
		t.Errorf("expected String fallback, got %v", got)
	}
}
