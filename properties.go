package geopackage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb/geojson"
)

// propertyValue normalizes a value scanned from a result set into something
// geojson can marshal.
func propertyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}

// inferColumnType determines the column type for a scanned value.
// Nil values report ok=false and do not contribute to the column type.
func inferColumnType(value interface{}) (flattypes.ColumnType, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case bool:
		return flattypes.ColumnTypeBool, true
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return flattypes.ColumnTypeLong, true
	case uint, uint64:
		return flattypes.ColumnTypeULong, true
	case float32, float64:
		return flattypes.ColumnTypeDouble, true
	case string:
		if _, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return flattypes.ColumnTypeDateTime, true
		}
		return flattypes.ColumnTypeString, true
	case time.Time:
		return flattypes.ColumnTypeDateTime, true
	case []byte:
		return flattypes.ColumnTypeBinary, true
	default:
		return flattypes.ColumnTypeJson, true
	}
}

// promoteColumnType returns the more general type when there's a conflict.
func promoteColumnType(a, b flattypes.ColumnType) flattypes.ColumnType {
	if a == b {
		return a
	}

	if a == flattypes.ColumnTypeJson || b == flattypes.ColumnTypeJson {
		return flattypes.ColumnTypeJson
	}

	// Blobs only mix with other blobs.
	if a == flattypes.ColumnTypeBinary || b == flattypes.ColumnTypeBinary {
		return flattypes.ColumnTypeJson
	}

	if a == flattypes.ColumnTypeString || b == flattypes.ColumnTypeString ||
		a == flattypes.ColumnTypeDateTime || b == flattypes.ColumnTypeDateTime {
		return flattypes.ColumnTypeString
	}

	numericRank := map[flattypes.ColumnType]int{
		flattypes.ColumnTypeBool:   0,
		flattypes.ColumnTypeLong:   1,
		flattypes.ColumnTypeULong:  2,
		flattypes.ColumnTypeDouble: 3,
	}
	rankA, okA := numericRank[a]
	rankB, okB := numericRank[b]
	if okA && okB {
		if rankA > rankB {
			return a
		}
		return b
	}

	return flattypes.ColumnTypeJson
}

// columnSchema tracks inferred column types while rows are scanned.
type columnSchema struct {
	names    []string
	dbTypes  []string
	types    []flattypes.ColumnType
	known    []bool
	nullable []bool
}

func newColumnSchema(names, dbTypes []string) *columnSchema {
	return &columnSchema{
		names:    names,
		dbTypes:  dbTypes,
		types:    make([]flattypes.ColumnType, len(names)),
		known:    make([]bool, len(names)),
		nullable: make([]bool, len(names)),
	}
}

// observe folds one value of column i into the schema.
func (s *columnSchema) observe(i int, v interface{}) {
	t, ok := inferColumnType(v)
	if !ok {
		s.nullable[i] = true
		return
	}
	if !s.known[i] {
		s.types[i], s.known[i] = t, true
		return
	}
	s.types[i] = promoteColumnType(s.types[i], t)
}

// columns returns the inferred schema. Columns that only held nulls are
// reported as nullable strings.
func (s *columnSchema) columns() []ColumnInfo {
	cols := make([]ColumnInfo, len(s.names))
	for i, name := range s.names {
		t := flattypes.ColumnTypeString
		if s.known[i] {
			t = s.types[i]
		}
		cols[i] = ColumnInfo{
			Name:     name,
			Type:     flattypes.EnumNamesColumnType[t],
			Nullable: s.nullable[i] || !s.known[i],
		}
		if i < len(s.dbTypes) {
			cols[i].DBType = s.dbTypes[i]
		}
	}
	return cols
}

// fgbColumnType maps a ColumnInfo type name back to the FlatGeobuf enum.
func fgbColumnType(c ColumnInfo) flattypes.ColumnType {
	if t, ok := flattypes.EnumValuesColumnType[c.Type]; ok {
		return t
	}
	return flattypes.ColumnTypeString
}

// fgbColumns builds FlatGeobuf column definitions for a result schema.
func fgbColumns(cols []ColumnInfo, builder *flatbuffers.Builder) []*writer.Column {
	if len(cols) == 0 {
		return nil
	}

	columns := make([]*writer.Column, 0, len(cols))
	for _, c := range cols {
		col := writer.NewColumn(builder)
		col.SetName(c.Name)
		col.SetTitle(c.Name) // Set title to match name for JS library compatibility
		col.SetType(fgbColumnType(c))
		col.SetNullable(c.Nullable)
		columns = append(columns, col)
	}
	return columns
}

// encodeProperties encodes properties to the FlatGeobuf binary layout:
// [uint16 column index][value bytes] repeated, in column order. Null and
// missing values are omitted.
func encodeProperties(props geojson.Properties, cols []ColumnInfo) ([]byte, error) {
	if len(props) == 0 || len(cols) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	for i, c := range cols {
		value, ok := props[c.Name]
		if !ok || value == nil {
			continue
		}

		var idx [2]byte
		binary.LittleEndian.PutUint16(idx[:], uint16(i))
		buf.Write(idx[:])

		if err := writePropertyValue(&buf, value, fgbColumnType(c)); err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
	}
	return buf.Bytes(), nil
}

// writePropertyValue writes a single property value using the column type.
func writePropertyValue(buf *bytes.Buffer, value interface{}, colType flattypes.ColumnType) error {
	var scratch [8]byte

	switch colType {
	case flattypes.ColumnTypeBool:
		v, ok := value.(bool)
		if !ok {
			i, isInt := toInt64(value)
			if !isInt {
				return mismatch(value, colType)
			}
			v = i != 0
		}
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

	case flattypes.ColumnTypeLong, flattypes.ColumnTypeULong:
		v, ok := toInt64(value)
		if !ok {
			return mismatch(value, colType)
		}
		binary.LittleEndian.PutUint64(scratch[:], uint64(v))
		buf.Write(scratch[:])

	case flattypes.ColumnTypeDouble:
		v, ok := toFloat64(value)
		if !ok {
			return mismatch(value, colType)
		}
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
		buf.Write(scratch[:])

	case flattypes.ColumnTypeString, flattypes.ColumnTypeDateTime:
		writeString(buf, toString(value))

	case flattypes.ColumnTypeJson:
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPropertyMismatch, err)
		}
		writeString(buf, string(b))

	case flattypes.ColumnTypeBinary:
		b, ok := value.([]byte)
		if !ok {
			return mismatch(value, colType)
		}
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(b)))
		buf.Write(scratch[:4])
		buf.Write(b)

	default:
		return mismatch(value, colType)
	}
	return nil
}

// writeString writes a uint32 length prefixed UTF-8 string.
func writeString(buf *bytes.Buffer, s string) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func mismatch(value interface{}, colType flattypes.ColumnType) error {
	return fmt.Errorf("%w: %T for %s", ErrPropertyMismatch, value, flattypes.EnumNamesColumnType[colType])
}

// Type conversion helpers

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint:
		return int64(val), true
	case uint64:
		return int64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
