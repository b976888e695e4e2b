// Package value implements the boxed value encoding shared by both compiled
// tiers. A Value packs a type tag and a payload into one 64-bit word so that
// compiled code can keep whole values in single registers or stack slots.
package value

import (
	"fmt"
	"math"
)

// Packed layout (64-bit targets):
//
//	bits 63..47  17-bit tag
//	bits 46..0   payload (pointer or bool), or
//	bits 31..0   payload (int32, magic why-code)
//
// Doubles are stored as raw IEEE-754 bits. Every tag value up to tagMaxDouble
// is a valid double bit pattern, so non-double tags start just above it. NaNs
// written through DoubleValue are canonicalized to keep their bits out of the
// boxed-tag range.
const (
	tagShift            = 47
	tagMaxDouble uint64 = 0x1FFF0
	payloadMask  uint64 = (1 << tagShift) - 1

	canonicalNaN uint64 = 0x7FF8000000000000
)

// Type enumerates boxed value types. The numeric order is part of the
// encoding: tag = tagMaxDouble + Type for every non-double type.
type Type uint8

const (
	TypeDouble Type = iota
	TypeInt32
	TypeBoolean
	TypeUndefined
	TypeNull
	TypeMagic
	TypeString
	TypeObject
)

func (t Type) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeInt32:
		return "int32"
	case TypeBoolean:
		return "boolean"
	case TypeUndefined:
		return "undefined"
	case TypeNull:
		return "null"
	case TypeMagic:
		return "magic"
	case TypeString:
		return "string"
	case TypeObject:
		return "object"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Why tags a magic value with the reason it exists. Magic values never
// escape the engine.
type Why uint32

const (
	// GeneratorClosing is thrown through a generator frame to run its
	// finally blocks. It must never be delivered to a catch handler.
	GeneratorClosing Why = iota
	// OptimizedOut marks a value the optimizing tier proved dead.
	OptimizedOut
	// UninitializedLexical marks a binding read before initialization.
	UninitializedLexical
	// RecoverGuard fills result slots that must never be read back:
	// resume points in a recover record and results not yet computed.
	RecoverGuard
)

// Value is one boxed scripting-language value.
type Value uint64

func shiftedTag(t Type) uint64 {
	return (tagMaxDouble + uint64(t)) << tagShift
}

// FromRaw reinterprets a machine word as a Value. Used when loading values
// out of frame slots and spilled registers.
func FromRaw(raw uint64) Value { return Value(raw) }

// Raw returns the machine word representation.
func (v Value) Raw() uint64 { return uint64(v) }

func DoubleValue(f float64) Value {
	bits := math.Float64bits(f)
	if f != f {
		bits = canonicalNaN
	}
	return Value(bits)
}

func Int32Value(i int32) Value {
	return Value(shiftedTag(TypeInt32) | uint64(uint32(i)))
}

func BooleanValue(b bool) Value {
	var p uint64
	if b {
		p = 1
	}
	return Value(shiftedTag(TypeBoolean) | p)
}

func UndefinedValue() Value { return Value(shiftedTag(TypeUndefined)) }
func NullValue() Value      { return Value(shiftedTag(TypeNull)) }

func MagicValue(w Why) Value {
	return Value(shiftedTag(TypeMagic) | uint64(w))
}

// ObjectValue boxes a heap object address. The address must fit in the
// 47-bit payload, which every supported target guarantees.
func ObjectValue(addr uint64) Value {
	if addr&^payloadMask != 0 {
		panic(fmt.Sprintf("value: object address %#x exceeds payload range", addr))
	}
	return Value(shiftedTag(TypeObject) | addr)
}

func StringValue(addr uint64) Value {
	if addr&^payloadMask != 0 {
		panic(fmt.Sprintf("value: string address %#x exceeds payload range", addr))
	}
	return Value(shiftedTag(TypeString) | addr)
}

// TypedPayload boxes a raw payload word under the tag implied by t. It backs
// snapshot allocations whose type is static and whose payload is the only
// recorded part.
func TypedPayload(t Type, payload uint64) Value {
	switch t {
	case TypeDouble:
		return Value(payload)
	case TypeInt32:
		return Value(shiftedTag(t) | payload&0xFFFFFFFF)
	default:
		return Value(shiftedTag(t) | payload&payloadMask)
	}
}

// Type returns the boxed type. Any word whose high bits fall at or below the
// double ceiling is a double.
func (v Value) Type() Type {
	tag := uint64(v) >> tagShift
	if tag <= tagMaxDouble {
		return TypeDouble
	}
	return Type(tag - tagMaxDouble)
}

func (v Value) IsDouble() bool    { return v.Type() == TypeDouble }
func (v Value) IsInt32() bool     { return v.Type() == TypeInt32 }
func (v Value) IsBoolean() bool   { return v.Type() == TypeBoolean }
func (v Value) IsUndefined() bool { return v.Type() == TypeUndefined }
func (v Value) IsNull() bool      { return v.Type() == TypeNull }
func (v Value) IsMagic() bool     { return v.Type() == TypeMagic }
func (v Value) IsString() bool    { return v.Type() == TypeString }
func (v Value) IsObject() bool    { return v.Type() == TypeObject }

// IsNumber reports whether the value is an int32 or a double.
func (v Value) IsNumber() bool {
	t := v.Type()
	return t == TypeDouble || t == TypeInt32
}

// IsGCThing reports whether the payload is a heap pointer the collector
// must see.
func (v Value) IsGCThing() bool {
	t := v.Type()
	return t == TypeObject || t == TypeString
}

func (v Value) Double() float64 {
	if !v.IsDouble() {
		panic("value: Double on non-double")
	}
	return math.Float64frombits(uint64(v))
}

func (v Value) Int32() int32 {
	if !v.IsInt32() {
		panic("value: Int32 on non-int32")
	}
	return int32(uint32(v))
}

// Number returns the numeric value of an int32 or double.
func (v Value) Number() float64 {
	if v.IsInt32() {
		return float64(v.Int32())
	}
	return v.Double()
}

func (v Value) Boolean() bool {
	if !v.IsBoolean() {
		panic("value: Boolean on non-boolean")
	}
	return uint64(v)&payloadMask != 0
}

func (v Value) Magic() Why {
	if !v.IsMagic() {
		panic("value: Magic on non-magic")
	}
	return Why(uint32(v))
}

// GCThingAddr returns the heap address of an object or string payload.
func (v Value) GCThingAddr() uint64 {
	if !v.IsGCThing() {
		panic("value: GCThingAddr on non-GC value")
	}
	return uint64(v) & payloadMask
}

// Payload returns the raw payload bits regardless of type.
func (v Value) Payload() uint64 { return uint64(v) & payloadMask }

// WithPayload returns v with its payload bits replaced and its tag bits
// untouched. This is the relocation write-back primitive: after the
// collector moves a referent, only the payload half of the boxed word
// changes.
func (v Value) WithPayload(p uint64) Value {
	return Value(uint64(v)&^payloadMask | p&payloadMask)
}

func (v Value) String() string {
	switch v.Type() {
	case TypeDouble:
		return fmt.Sprintf("%g", v.Double())
	case TypeInt32:
		return fmt.Sprintf("%d", v.Int32())
	case TypeBoolean:
		return fmt.Sprintf("%t", v.Boolean())
	case TypeUndefined:
		return "undefined"
	case TypeNull:
		return "null"
	case TypeMagic:
		return fmt.Sprintf("magic(%d)", uint32(v))
	case TypeString:
		return fmt.Sprintf("string@%#x", v.Payload())
	case TypeObject:
		return fmt.Sprintf("object@%#x", v.Payload())
	}
	return fmt.Sprintf("value(%#x)", uint64(v))
}
