// Package component implements the self-describing component type system:
// simulators declare the shape of the data they read and write as a
// Structure tree built from primitives, structs, lists, and options, and
// the manager validates every value a simulator sends or receives against
// that tree rather than against a statically compiled Go type.
package component

import (
	"fmt"
	"unicode/utf8"

	"github.com/simfleet/manager/internal/simerr"
)

// Role classifies how a declared component participates in the graph.
type Role int

const (
	// RoleNode components live on graph nodes.
	RoleNode Role = iota
	// RoleEdge components live on graph edges.
	RoleEdge
	// RoleGlobal components are simulation-wide, not attached to any
	// node or edge.
	RoleGlobal
)

func (r Role) String() string {
	switch r {
	case RoleNode:
		return "node"
	case RoleEdge:
		return "edge"
	case RoleGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Kind is the tag of a Structure node.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindBool
	KindString
	KindStruct
	KindList
	KindOption
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindStruct:
		return "struct"
	case KindList:
		return "list"
	case KindOption:
		return "option"
	default:
		return "unknown"
	}
}

// Structure is one node of the declared-shape tree for a component.
// Primitive kinds (Int, Float, Bool, String) use none of the other
// fields except Width (and, for KindInt, Signed). Struct uses Fields.
// List and Option use Elem.
type Structure struct {
	Kind   Kind
	Width  int        // bit width for KindInt (8/16/32/64) and KindFloat (32/64)
	Signed bool       // only meaningful for KindInt: i* vs u*
	Fields []Field    // only for KindStruct
	Elem   *Structure // only for KindList, KindOption
}

// Field names one member of a struct Structure.
type Field struct {
	Name      string
	Structure Structure
}

// Spec binds a component name to its role and declared structure. A
// simulator's ComponentsInfo response is a slice of Specs; the registry
// indexes simulators by the names they declare.
type Spec struct {
	Name      string
	Role      Role
	Structure Structure
}

// ComponentsInfo is one simulator's disjoint classification of the
// component names it reads and writes (distinct from Spec, which
// describes a component's shape rather than who reads or writes it).
// Names here must also appear in the simulator's declared Specs.
type ComponentsInfo struct {
	Required []string
	Optional []string
	Output   []string
}

// Int constructs a signed 64-bit integer Structure (i64). Use Int8,
// Int16, Int32, UInt8, UInt16, UInt32, or UInt64 for the other
// primitive widths.
func Int() Structure    { return Structure{Kind: KindInt, Width: 64, Signed: true} }
func Int8() Structure   { return Structure{Kind: KindInt, Width: 8, Signed: true} }
func Int16() Structure  { return Structure{Kind: KindInt, Width: 16, Signed: true} }
func Int32() Structure  { return Structure{Kind: KindInt, Width: 32, Signed: true} }
func Int64() Structure  { return Structure{Kind: KindInt, Width: 64, Signed: true} }
func UInt8() Structure  { return Structure{Kind: KindInt, Width: 8} }
func UInt16() Structure { return Structure{Kind: KindInt, Width: 16} }
func UInt32() Structure { return Structure{Kind: KindInt, Width: 32} }
func UInt64() Structure { return Structure{Kind: KindInt, Width: 64} }

// Float constructs a 64-bit float Structure (f64). Use Float32 for f32.
func Float() Structure   { return Structure{Kind: KindFloat, Width: 64} }
func Float32() Structure { return Structure{Kind: KindFloat, Width: 32} }

func Bool() Structure   { return Structure{Kind: KindBool} }
func String() Structure { return Structure{Kind: KindString} }

func Struct(fields ...Field) Structure {
	return Structure{Kind: KindStruct, Fields: fields}
}

func List(elem Structure) Structure {
	return Structure{Kind: KindList, Elem: &elem}
}

func Option(elem Structure) Structure {
	return Structure{Kind: KindOption, Elem: &elem}
}

// Value is a runtime value conforming to some Structure. It is a tagged
// union mirroring Structure's Kind so that encode/decode round-trips
// without reflection: Prim holds primitive payloads, Fields holds
// struct members in declaration order, List holds list elements, and
// Option is nil when absent or a pointer to the contained value when
// present.
type Value struct {
	Kind   Kind
	Prim   any // int64, float64, bool, or string depending on Kind
	Fields map[string]Value
	List   []Value
	Option *Value
}

func IntValue(v int64) Value     { return Value{Kind: KindInt, Prim: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Prim: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Prim: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Prim: v} }

func StructValue(fields map[string]Value) Value {
	return Value{Kind: KindStruct, Fields: fields}
}

func ListValue(elems []Value) Value {
	return Value{Kind: KindList, List: elems}
}

func NoneValue() Value {
	return Value{Kind: KindOption, Option: nil}
}

func SomeValue(v Value) Value {
	return Value{Kind: KindOption, Option: &v}
}

// Validate checks that v conforms to s, returning a DataFormatError
// (wrapped as a simerr.KindProtocol error) describing the first
// mismatch found. This is the manager's sole gate against a simulator
// that sends a value shaped differently than its own declared
// Structure promised.
func Validate(s Structure, v Value) error {
	if s.Kind != v.Kind {
		return dataFormatError(s.Kind, v.Kind)
	}

	switch s.Kind {
	case KindInt, KindFloat, KindBool, KindString:
		return validatePrimitive(s, v.Prim)
	case KindStruct:
		for _, f := range s.Fields {
			fv, ok := v.Fields[f.Name]
			if !ok {
				return simerr.New(simerr.KindProtocol,
					fmt.Sprintf("missing struct field %q", f.Name), nil)
			}
			if err := Validate(f.Structure, fv); err != nil {
				return err
			}
		}
		if len(v.Fields) != len(s.Fields) {
			return simerr.New(simerr.KindProtocol,
				fmt.Sprintf("struct has %d fields, expected %d", len(v.Fields), len(s.Fields)), nil)
		}
		return nil
	case KindList:
		for i, elem := range v.List {
			if err := Validate(*s.Elem, elem); err != nil {
				return fmt.Errorf("list element %d invalid; %w", i, err)
			}
		}
		return nil
	case KindOption:
		if v.Option == nil {
			return nil
		}
		return Validate(*s.Elem, *v.Option)
	default:
		return simerr.New(simerr.KindProtocol, fmt.Sprintf("unknown structure kind %v", s.Kind), nil)
	}
}

func validatePrimitive(s Structure, prim any) error {
	switch s.Kind {
	case KindInt:
		n, ok := prim.(int64)
		if !ok {
			return dataFormatError(s.Kind, -1)
		}
		return validateIntWidth(s, n)
	case KindFloat:
		if _, ok := prim.(float64); !ok {
			return dataFormatError(s.Kind, -1)
		}
	case KindBool:
		if _, ok := prim.(bool); !ok {
			return dataFormatError(s.Kind, -1)
		}
	case KindString:
		str, ok := prim.(string)
		if !ok {
			return dataFormatError(s.Kind, -1)
		}
		if !utf8.ValidString(str) {
			return simerr.New(simerr.KindProtocol, "string value is not valid UTF-8", nil)
		}
	}
	return nil
}

// validateIntWidth rejects a value that falls outside the bounds its
// declared width (and signedness) allow.
func validateIntWidth(s Structure, n int64) error {
	width := s.Width
	if width == 0 {
		width = 64
	}
	if width == 64 {
		if !s.Signed && n < 0 {
			return simerr.New(simerr.KindProtocol, "u64 value is negative", nil)
		}
		return nil
	}
	if s.Signed {
		max := int64(1) << (width - 1)
		if n < -max || n >= max {
			return simerr.New(simerr.KindProtocol,
				fmt.Sprintf("i%d value %d out of range", width, n), nil)
		}
		return nil
	}
	max := int64(1) << width
	if n < 0 || n >= max {
		return simerr.New(simerr.KindProtocol,
			fmt.Sprintf("u%d value %d out of range", width, n), nil)
	}
	return nil
}

func dataFormatError(want, got Kind) error {
	return simerr.New(simerr.KindProtocol,
		fmt.Sprintf("data format mismatch: expected %v, got %v", want, got), nil)
}
