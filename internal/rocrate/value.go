package rocrate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindRef
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindRef:
		return "reference"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a JSON-LD property value. An object whose only key is "@id" is
// decoded as a reference rather than a nested object.
type Value struct {
	kind  Kind
	str   string
	num   json.Number
	b     bool
	items []Value
	obj   *Properties
}

func Null() Value                   { return Value{} }
func String(s string) Value         { return Value{kind: KindString, str: s} }
func Number(n json.Number) Value    { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value             { return Value{kind: KindBool, b: b} }
func Ref(id string) Value           { return Value{kind: KindRef, str: id} }
func List(items ...Value) Value     { return Value{kind: KindList, items: items} }
func Object(p *Properties) Value    { return Value{kind: KindObject, obj: p} }
func (v Value) Kind() Kind          { return v.kind }
func (v Value) IsNull() bool        { return v.kind == KindNull }
func (v Value) Items() []Value      { return v.items }
func (v Value) Number() json.Number { return v.num }

func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) RefID() (string, bool) {
	return v.str, v.kind == KindRef
}

func (v Value) Object() (*Properties, bool) {
	return v.obj, v.kind == KindObject
}

// Clone copies lists and nested objects so the result shares no state with v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.items))
		for i, item := range v.items {
			items[i] = item.Clone()
		}
		return List(items...)
	case KindObject:
		return Object(v.obj.Clone())
	default:
		return v
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if v.num == "" {
			return []byte("0"), nil
		}
		return []byte(v.num.String()), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindRef:
		id, err := json.Marshal(v.str)
		if err != nil {
			return nil, err
		}
		return append(append([]byte(`{"@id":`), id...), '}'), nil
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			raw, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(raw)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindObject:
		return v.obj.MarshalJSON()
	default:
		return nil, fmt.Errorf("marshal %s value", v.kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseValue decodes a single JSON document keeping object key order.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := make([]Value, 0)
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(items...), nil
		case '{':
			props := NewProperties()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key %v is not a string", keyTok)
				}
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				props.Set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			if props.Len() == 1 {
				if id, ok := props.Get(KeyID); ok {
					if s, ok := id.Str(); ok {
						return Ref(s), nil
					}
				}
			}
			return Object(props), nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// Properties is an insertion-ordered property bag.
type Properties struct {
	keys   []string
	values map[string]Value
}

func NewProperties() *Properties {
	return &Properties{values: map[string]Value{}}
}

func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

func (p *Properties) Get(key string) (Value, bool) {
	if p == nil {
		return Value{}, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Set replaces an existing key in place or appends a new one.
func (p *Properties) Set(key string, v Value) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = v
}

func (p *Properties) Clone() *Properties {
	out := NewProperties()
	if p == nil {
		return out
	}
	for _, k := range p.keys {
		out.Set(k, p.values[k].Clone())
	}
	return out
}

func (p *Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		raw, err := p.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
