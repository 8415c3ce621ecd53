package tensor

import "fmt"

// ElementType is the closed enumeration of element kinds a table may hold.
// Every value within a single table shares one ElementType.
type ElementType uint8

const (
	Bool ElementType = iota
	U8
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	F16
	F32
	F64
)

// ByteWidth returns the size in bytes of a single element of t.
func (t ElementType) ByteWidth() int {
	switch t {
	case Bool, U8, I8:
		return 1
	case U16, I16, F16:
		return 2
	case U32, I32, F32:
		return 4
	case U64, I64, F64:
		return 8
	default:
		panic(fmt.Sprintf("tensor: unknown element type %d", t))
	}
}

func (t ElementType) String() string {
	switch t {
	case Bool:
		return "bool"
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case U64:
		return "u64"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F16:
		return "f16"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return fmt.Sprintf("etype(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the declared enumeration values.
func (t ElementType) Valid() bool {
	return t <= F64
}
