package value

import (
	"math"
	"testing"
)

func TestBoxing(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		typ  Type
	}{
		{"int32", Int32Value(-7), TypeInt32},
		{"int32 zero", Int32Value(0), TypeInt32},
		{"double", DoubleValue(3.5), TypeDouble},
		{"double negative", DoubleValue(-1.0), TypeDouble},
		{"double zero", DoubleValue(0), TypeDouble},
		{"bool true", BooleanValue(true), TypeBoolean},
		{"bool false", BooleanValue(false), TypeBoolean},
		{"undefined", UndefinedValue(), TypeUndefined},
		{"null", NullValue(), TypeNull},
		{"magic", MagicValue(GeneratorClosing), TypeMagic},
		{"object", ObjectValue(0x10008), TypeObject},
		{"string", StringValue(0x20010), TypeString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Type(); got != tt.typ {
				t.Fatalf("Type() = %v, want %v", got, tt.typ)
			}
			if rt := FromRaw(tt.v.Raw()); rt != tt.v {
				t.Errorf("raw round-trip changed value: %#x -> %#x", uint64(tt.v), uint64(rt))
			}
		})
	}
}

func TestPayloadAccessors(t *testing.T) {
	if got := Int32Value(-42).Int32(); got != -42 {
		t.Errorf("Int32() = %d, want -42", got)
	}
	if got := DoubleValue(6.25).Double(); got != 6.25 {
		t.Errorf("Double() = %g, want 6.25", got)
	}
	if !BooleanValue(true).Boolean() {
		t.Error("Boolean() = false, want true")
	}
	if got := ObjectValue(0xbeef00).GCThingAddr(); got != 0xbeef00 {
		t.Errorf("GCThingAddr() = %#x, want 0xbeef00", got)
	}
	if got := MagicValue(OptimizedOut).Magic(); got != OptimizedOut {
		t.Errorf("Magic() = %d, want OptimizedOut", got)
	}
}

func TestNaNCanonicalized(t *testing.T) {
	v := DoubleValue(math.NaN())
	if !v.IsDouble() {
		t.Fatalf("NaN boxed as %v, want double", v.Type())
	}
	if got := v.Double(); !math.IsNaN(got) {
		t.Errorf("Double() = %g, want NaN", got)
	}
	// A negative NaN's raw bits would collide with the int32 tag range.
	neg := math.Float64frombits(0xFFF8000000000001)
	if got := DoubleValue(neg); !got.IsDouble() {
		t.Errorf("negative NaN boxed as %v, want double", got.Type())
	}
}

func TestWithPayloadKeepsTag(t *testing.T) {
	v := ObjectValue(0x1000)
	moved := v.WithPayload(0x2000)
	if !moved.IsObject() {
		t.Fatalf("payload rewrite changed type to %v", moved.Type())
	}
	if got := moved.GCThingAddr(); got != 0x2000 {
		t.Errorf("GCThingAddr() = %#x, want 0x2000", got)
	}
}

func TestSplitCombine(t *testing.T) {
	vals := []Value{
		Int32Value(123456),
		ObjectValue(0xcafe0),
		UndefinedValue(),
		BooleanValue(true),
	}
	for _, v := range vals {
		p := v.Split()
		if got := Combine(p.Tag, p.Payload); got != v {
			t.Errorf("Combine(Split(%v)) = %#x, want %#x", v, uint64(got), uint64(v))
		}
	}
}

func TestWithPayload32(t *testing.T) {
	v := ObjectValue(0x4000)
	moved := v.WithPayload32(0x8000)
	if !moved.IsObject() || moved.GCThingAddr() != 0x8000 {
		t.Errorf("WithPayload32 produced %v (%#x)", moved.Type(), moved.Payload())
	}
}

func TestTypedPayload(t *testing.T) {
	if v := TypedPayload(TypeInt32, 0xFFFFFFFF00000005); v.Int32() != 5 {
		t.Errorf("int32 typed payload = %d, want 5", v.Int32())
	}
	if v := TypedPayload(TypeObject, 0x30); v.GCThingAddr() != 0x30 {
		t.Errorf("object typed payload = %#x, want 0x30", v.GCThingAddr())
	}
	if v := TypedPayload(TypeDouble, math.Float64bits(2.5)); v.Double() != 2.5 {
		t.Errorf("double typed payload = %g, want 2.5", v.Double())
	}
}

func TestWrongAccessorPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Int32 on object did not panic")
		}
	}()
	_ = ObjectValue(0x8).Int32()
}
