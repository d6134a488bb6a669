package component

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// init registers the primitive payload types that Value.Prim may hold so
// that gob, which requires concrete types behind an interface to be
// registered up front, can encode/decode values carried over the wire
// transport (see internal/transport).
func init() {
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register("")
}

// wireValue is the self-describing JSON envelope a Value serializes to:
// a kind tag plus exactly one payload field. This is the canonical
// StructValue tree of the wire protocol, and it is also what the
// database buffer persists, so a frame read back from storage decodes
// to a Value equal to the one the runner produced. A plain
// json.Marshal of Value would not survive that round trip: Prim is an
// interface, and encoding/json turns every number into float64 on the
// way back in.
type wireValue struct {
	Kind   string           `json:"kind"`
	Value  json.RawMessage  `json:"value,omitempty"`
	Fields map[string]Value `json:"fields,omitempty"`
	Elems  []Value          `json:"elems,omitempty"`
	Some   *Value           `json:"some,omitempty"`
	None   bool             `json:"none,omitempty"`
}

// MarshalJSON encodes v as the tagged wire tree.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.Kind.String()}

	switch v.Kind {
	case KindInt, KindFloat, KindBool, KindString:
		raw, err := json.Marshal(v.Prim)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s value; %w", v.Kind, err)
		}
		w.Value = raw
	case KindStruct:
		w.Fields = v.Fields
		if w.Fields == nil {
			w.Fields = map[string]Value{}
		}
	case KindList:
		w.Elems = v.List
	case KindOption:
		if v.Option != nil {
			w.Some = v.Option
		} else {
			w.None = true
		}
	default:
		return nil, fmt.Errorf("cannot encode value of unknown kind %v", v.Kind)
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged wire tree back into a Value. The
// kind tag drives how the payload is interpreted, so an integer decodes
// back to int64 rather than encoding/json's default float64.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("failed to decode wire value; %w", err)
	}

	kind, err := parseKind(w.Kind)
	if err != nil {
		return err
	}
	v.Kind = kind
	v.Prim = nil
	v.Fields = nil
	v.List = nil
	v.Option = nil

	switch kind {
	case KindInt:
		var n int64
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return fmt.Errorf("failed to decode int value; %w", err)
		}
		v.Prim = n
	case KindFloat:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return fmt.Errorf("failed to decode float value; %w", err)
		}
		v.Prim = f
	case KindBool:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return fmt.Errorf("failed to decode bool value; %w", err)
		}
		v.Prim = b
	case KindString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("failed to decode string value; %w", err)
		}
		v.Prim = s
	case KindStruct:
		v.Fields = w.Fields
		if v.Fields == nil {
			v.Fields = map[string]Value{}
		}
	case KindList:
		v.List = w.Elems
	case KindOption:
		v.Option = w.Some
	}

	return nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "bool":
		return KindBool, nil
	case "string":
		return KindString, nil
	case "struct":
		return KindStruct, nil
	case "list":
		return KindList, nil
	case "option":
		return KindOption, nil
	default:
		return 0, fmt.Errorf("unknown wire value kind %q", s)
	}
}
