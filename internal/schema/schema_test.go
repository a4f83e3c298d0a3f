package schema

// schema_test.go implements tests for the Schema/Row wire codecs.

import (
	"testing"

	"github.com/horaedb/analytic-engine/internal/encoding"
)

func testSchema() *Schema {
	return &Schema{
		Columns: []Column{
			{ID: 1, Name: "region", DataType: String, IsTag: true},
			{ID: 2, Name: "ts", DataType: Timestamp},
			{ID: 3, Name: "value", DataType: Double, Nullable: true},
			{ID: 4, Name: "flag", DataType: Boolean, Nullable: true},
		},
		TimestampIdx: 1,
		PrimaryKey:   []int{0, 1},
		Version:      1,
	}
}

func TestSchemaEncodeDecodeRoundTrip(t *testing.T) {
	s := testSchema()
	data := s.Encode(nil)

	got, err := Decode(encoding.NewSlice(data))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Version != s.Version || got.TimestampIdx != s.TimestampIdx {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
	}
	if len(got.Columns) != len(s.Columns) {
		t.Fatalf("got %d columns, want %d", len(got.Columns), len(s.Columns))
	}
	for i, c := range s.Columns {
		gc := got.Columns[i]
		if gc.ID != c.ID || gc.Name != c.Name || gc.DataType != c.DataType || gc.Nullable != c.Nullable || gc.IsTag != c.IsTag {
			t.Fatalf("column %d mismatch: got %+v, want %+v", i, gc, c)
		}
	}
	if len(got.PrimaryKey) != len(s.PrimaryKey) {
		t.Fatalf("got %d primary key columns, want %d", len(got.PrimaryKey), len(s.PrimaryKey))
	}
}

func TestSchemaCompatibleWith(t *testing.T) {
	base := testSchema()

	t.Run("appending a column is compatible", func(t *testing.T) {
		next := testSchema()
		next.Columns = append(next.Columns, Column{ID: 5, Name: "extra", DataType: Double, Nullable: true})
		next.Version = base.Version + 1
		if err := base.CompatibleWith(next); err != nil {
			t.Fatalf("expected append-only alter to be compatible, got %v", err)
		}
	})

	t.Run("dropping a column is rejected", func(t *testing.T) {
		next := testSchema()
		next.Columns = next.Columns[:len(next.Columns)-1]
		if err := base.CompatibleWith(next); err == nil {
			t.Fatal("expected dropping a column to be rejected")
		}
	})

	t.Run("retyping an existing column is rejected", func(t *testing.T) {
		next := testSchema()
		next.Columns[2].DataType = String
		if err := base.CompatibleWith(next); err == nil {
			t.Fatal("expected retyping an existing column to be rejected")
		}
	})

	t.Run("changing the primary key is rejected", func(t *testing.T) {
		next := testSchema()
		next.PrimaryKey = []int{0}
		if err := base.CompatibleWith(next); err == nil {
			t.Fatal("expected a changed primary key to be rejected")
		}
	})
}

func TestEncodeDecodeRowRoundTrip(t *testing.T) {
	s := testSchema()
	row := Row{Values: []Datum{
		DatumFromString("us-east"),
		DatumFromTimestamp(1000),
		DatumFromDouble(3.5),
		DatumFromBool(true),
	}}

	encoded, err := EncodeRow(s, row)
	if err != nil {
		t.Fatalf("EncodeRow failed: %v", err)
	}
	got, err := DecodeRow(s, encoded)
	if err != nil {
		t.Fatalf("DecodeRow failed: %v", err)
	}
	assertRowEqual(t, row, got)
}

func TestEncodeDecodeRowAllNull(t *testing.T) {
	s := testSchema()
	row := Row{Values: []Datum{
		DatumFromString("us-east"),
		DatumFromTimestamp(2000),
		NullDatum(Double),
		NullDatum(Boolean),
	}}

	encoded, err := EncodeRow(s, row)
	if err != nil {
		t.Fatalf("EncodeRow failed: %v", err)
	}
	got, err := DecodeRow(s, encoded)
	if err != nil {
		t.Fatalf("DecodeRow failed: %v", err)
	}
	if !got.Values[2].IsNull() || !got.Values[3].IsNull() {
		t.Fatalf("expected columns 2 and 3 to decode as null, got %+v", got.Values)
	}
	assertRowEqual(t, row, got)
}

func TestEncodeDecodeRowMixedNull(t *testing.T) {
	s := testSchema()
	rows := []Row{
		{Values: []Datum{DatumFromString("a"), DatumFromTimestamp(1), DatumFromDouble(1.0), NullDatum(Boolean)}},
		{Values: []Datum{DatumFromString("a"), DatumFromTimestamp(2), NullDatum(Double), DatumFromBool(false)}},
		{Values: []Datum{DatumFromString("a"), DatumFromTimestamp(3), NullDatum(Double), NullDatum(Boolean)}},
		{Values: []Datum{DatumFromString("a"), DatumFromTimestamp(4), DatumFromDouble(4.0), DatumFromBool(true)}},
	}
	for i, row := range rows {
		encoded, err := EncodeRow(s, row)
		if err != nil {
			t.Fatalf("row %d: EncodeRow failed: %v", i, err)
		}
		got, err := DecodeRow(s, encoded)
		if err != nil {
			t.Fatalf("row %d: DecodeRow failed: %v", i, err)
		}
		assertRowEqual(t, row, got)
	}
}

func TestEncodeRowRejectsNonNullableNull(t *testing.T) {
	s := testSchema()
	row := Row{Values: []Datum{
		NullDatum(String), // region is a tag column, not nullable
		DatumFromTimestamp(1),
		DatumFromDouble(1.0),
		DatumFromBool(true),
	}}
	if _, err := EncodeRow(s, row); err == nil {
		t.Fatal("expected EncodeRow to reject a null value for a non-nullable column")
	}
}

func assertRowEqual(t *testing.T, want, got Row) {
	t.Helper()
	if len(want.Values) != len(got.Values) {
		t.Fatalf("got %d values, want %d", len(got.Values), len(want.Values))
	}
	for i := range want.Values {
		w, g := want.Values[i], got.Values[i]
		if w.IsNull() != g.IsNull() {
			t.Fatalf("column %d: got null=%v, want null=%v", i, g.IsNull(), w.IsNull())
		}
		if w.IsNull() {
			continue
		}
		if w.Type != g.Type {
			t.Fatalf("column %d: got type %v, want %v", i, g.Type, w.Type)
		}
		switch w.Type {
		case String, Varbinary:
			if string(w.Bytes) != string(g.Bytes) {
				t.Fatalf("column %d: got %q, want %q", i, g.Bytes, w.Bytes)
			}
		default:
			if w.Num != g.Num {
				t.Fatalf("column %d: got %d, want %d", i, g.Num, w.Num)
			}
		}
	}
}
