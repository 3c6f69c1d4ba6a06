// Package types defines the shared data model primitives used across the
// engine: element types, dimension tuples, shape kinds, open modes, step
// status values and memory spaces.
package types

import (
	"fmt"
	"strings"
)

// DataType identifies the element type of a variable's payload.
type DataType int

// Supported element types
const (
	TypeUnknown DataType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
)

// String returns the canonical name of the data type
func (dt DataType) String() string {
	switch dt {
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// Size returns the element size in bytes, or 0 for TypeUnknown.
func (dt DataType) Size() int {
	switch dt {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether the type is a floating point type.
// Lossy operators accept only floating point payloads.
func (dt DataType) IsFloat() bool {
	return dt == TypeFloat32 || dt == TypeFloat64
}

// ParseDataType resolves a canonical type name to a DataType.
func ParseDataType(name string) (DataType, error) {
	for dt := TypeInt8; dt <= TypeFloat64; dt++ {
		if dt.String() == name {
			return dt, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown data type %q", name)
}

// Dims is an ordered sequence of non-negative dimension extents or offsets.
type Dims []uint64

// Volume returns the number of elements spanned by the extents.
// A rank-zero Dims has volume 1 (a single value).
func (d Dims) Volume() uint64 {
	v := uint64(1)
	for _, n := range d {
		v *= n
	}
	return v
}

// Equal reports whether two dimension tuples are identical.
func (d Dims) Equal(other Dims) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the dimension tuple.
func (d Dims) Clone() Dims {
	if d == nil {
		return nil
	}
	out := make(Dims, len(d))
	copy(out, d)
	return out
}

// String formats the tuple as "[a b c]".
func (d Dims) String() string {
	parts := make([]string, len(d))
	for i, n := range d {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// ShapeKind classifies how a variable is shaped
type ShapeKind int

const (
	// ShapeValue is a single scalar value per step
	ShapeValue ShapeKind = iota
	// ShapeLocalArray is an array without a global shape (per-producer extent)
	ShapeLocalArray
	// ShapeGlobalArray is a block within a shared global shape
	ShapeGlobalArray
)

// String returns the string representation of ShapeKind
func (k ShapeKind) String() string {
	switch k {
	case ShapeValue:
		return "value"
	case ShapeLocalArray:
		return "local_array"
	case ShapeGlobalArray:
		return "global_array"
	default:
		return "unknown"
	}
}

// ParseShapeKind resolves a canonical shape kind name to a ShapeKind.
func ParseShapeKind(name string) (ShapeKind, error) {
	for k := ShapeValue; k <= ShapeGlobalArray; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return ShapeValue, fmt.Errorf("unknown shape kind %q", name)
}

// Mode is an engine open mode
type Mode int

const (
	// ModeWrite opens an engine as a producer starting at step zero
	ModeWrite Mode = iota
	// ModeRead opens an engine as a consumer
	ModeRead
	// ModeAppend opens a producer that resumes step numbering
	ModeAppend
)

// String returns the string representation of Mode
func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeRead:
		return "read"
	case ModeAppend:
		return "append"
	default:
		return "unknown"
	}
}

// IsWriter reports whether the mode produces data.
func (m Mode) IsWriter() bool {
	return m == ModeWrite || m == ModeAppend
}

// StepStatus is the result of a BeginStep call
type StepStatus int

const (
	// StepOK means a step is active and Put/Get may proceed
	StepOK StepStatus = iota
	// StepNotReady means the bounded wait elapsed with no step available;
	// the caller may retry
	StepNotReady
	// StepEndOfStream means the producer closed and no further data will arrive
	StepEndOfStream
)

// String returns the string representation of StepStatus
func (s StepStatus) String() string {
	switch s {
	case StepOK:
		return "ok"
	case StepNotReady:
		return "not_ready"
	case StepEndOfStream:
		return "end_of_stream"
	default:
		return "unknown"
	}
}

// MemorySpace is the physical locality of a data buffer
type MemorySpace int

const (
	// SpaceHost is host-addressable memory
	SpaceHost MemorySpace = iota
	// SpaceDevice is accelerator device memory requiring explicit staging
	SpaceDevice
)

// String returns the string representation of MemorySpace
func (s MemorySpace) String() string {
	switch s {
	case SpaceHost:
		return "host"
	case SpaceDevice:
		return "device"
	default:
		return "unknown"
	}
}
