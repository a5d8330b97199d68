package codec

import (
	"fmt"
	"io"
	"reflect"

	"github.com/loopholelabs/polyglot/v2"
)

// maxDepth bounds nesting, so cyclic pointers fail instead of recursing forever.
const maxDepth = 32

// Message is implemented by types that know their own polyglot layout,
// e.g. message.RPCMessage or generated request/response structs.
type Message interface {
	Encode(buf *polyglot.Buffer)
	Decode(buf []byte) error
}

// PolyglotCodec is the default binary codec.
// Every value is written with a one-byte kind prefix, so a payload decoded as
// the wrong shape fails instead of being reinterpreted.
//
// Supported: Message implementations, string, bool, the fixed-width integer
// types, int (as int64), float32, float64, []byte, and slices, maps, pointers
// and structs built from these. A struct is written as its fields in
// declaration order, prefixed by their count; decoding checks the count and
// every field's kind. Structs with unexported fields are rejected, since
// their state could not travel.
type PolyglotCodec struct{}

func (c *PolyglotCodec) Encode(v any) ([]byte, error) {
	buf := polyglot.GetBuffer()
	defer polyglot.PutBuffer(buf)

	if err := encodeTop(buf, v); err != nil {
		return nil, encodeErr("polyglot", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decode leaves v untouched unless the whole payload decodes.
func (c *PolyglotCodec) Decode(data []byte, v any) error {
	if m, ok := v.(Message); ok {
		return decodeMessage(data, m)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return decodeErr("polyglot", fmt.Errorf("%w: decode target %T is not a non-nil pointer", ErrUnsupportedType, v))
	}
	tmp := reflect.New(rv.Elem().Type()).Elem()
	d := polyglot.Decoder(data)
	if err := decodeValue(d, tmp, 0); err != nil {
		return decodeErr("polyglot", err)
	}
	if len(*d) != 0 {
		return decodeErr("polyglot", ErrTrailingData)
	}
	rv.Elem().Set(tmp)
	return nil
}

func (c *PolyglotCodec) Type() CodecType {
	return CodecTypePolyglot
}

func decodeMessage(data []byte, m Message) error {
	if err := m.Decode(data); err != nil {
		return decodeErr("polyglot", err)
	}
	// Message.Decode does not report how much it consumed, so re-encode the
	// result: a shorter encoding means bytes were left over.
	buf := polyglot.GetBuffer()
	defer polyglot.PutBuffer(buf)
	m.Encode(buf)
	if buf.Len() != len(data) {
		return decodeErr("polyglot", ErrTrailingData)
	}
	return nil
}

func encodeTop(buf *polyglot.Buffer, v any) error {
	if m, ok := v.(Message); ok {
		if rv := reflect.ValueOf(m); rv.Kind() == reflect.Ptr && rv.IsNil() {
			return fmt.Errorf("%w: nil %T", ErrUnsupportedType, v)
		}
		m.Encode(buf)
		return nil
	}

	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return fmt.Errorf("%w: nil", ErrUnsupportedType)
	}
	// Dereference one level of pointer: callers pass &args as often as args.
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return fmt.Errorf("%w: nil %T", ErrUnsupportedType, v)
		}
		rv = rv.Elem()
	}
	return encodeValue(polyglot.Encoder(buf), rv, 0)
}

// kindOf is the polyglot kind announced for elements of type t in slice and
// map headers.
func kindOf(t reflect.Type) (polyglot.Kind, error) {
	switch t.Kind() {
	case reflect.String:
		return polyglot.StringKind, nil
	case reflect.Bool:
		return polyglot.BoolKind, nil
	case reflect.Uint8:
		return polyglot.Uint8Kind, nil
	case reflect.Uint16:
		return polyglot.Uint16Kind, nil
	case reflect.Uint32:
		return polyglot.Uint32Kind, nil
	case reflect.Uint64:
		return polyglot.Uint64Kind, nil
	case reflect.Int32:
		return polyglot.Int32Kind, nil
	case reflect.Int64, reflect.Int:
		return polyglot.Int64Kind, nil
	case reflect.Float32:
		return polyglot.Float32Kind, nil
	case reflect.Float64:
		return polyglot.Float64Kind, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return polyglot.BytesKind, nil
		}
		return polyglot.SliceKind, nil
	case reflect.Map:
		return polyglot.MapKind, nil
	case reflect.Struct, reflect.Ptr:
		return polyglot.AnyKind, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// checkFields rejects struct types with unexported fields.
func checkFields(t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); !f.IsExported() {
			return fmt.Errorf("%w: %s has unexported field %s", ErrUnsupportedType, t, f.Name)
		}
	}
	return nil
}

func encodeValue(e *polyglot.BufferEncoder, v reflect.Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: %s nested deeper than %d levels", ErrUnsupportedType, v.Type(), maxDepth)
	}

	switch v.Kind() {
	case reflect.String:
		e.String(v.String())
	case reflect.Bool:
		e.Bool(v.Bool())
	case reflect.Uint8:
		e.Uint8(uint8(v.Uint()))
	case reflect.Uint16:
		e.Uint16(uint16(v.Uint()))
	case reflect.Uint32:
		e.Uint32(uint32(v.Uint()))
	case reflect.Uint64:
		e.Uint64(v.Uint())
	case reflect.Int32:
		e.Int32(int32(v.Int()))
	case reflect.Int64, reflect.Int:
		e.Int64(v.Int())
	case reflect.Float32:
		e.Float32(float32(v.Float()))
	case reflect.Float64:
		e.Float64(v.Float())
	case reflect.Ptr:
		if v.IsNil() {
			e.Nil()
			return nil
		}
		return encodeValue(e, v.Elem(), depth+1)
	case reflect.Slice:
		if v.IsNil() {
			e.Nil()
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.Bytes(v.Bytes())
			return nil
		}
		kind, err := kindOf(v.Type().Elem())
		if err != nil {
			return err
		}
		e.Slice(uint32(v.Len()), kind)
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(e, v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.IsNil() {
			e.Nil()
			return nil
		}
		keyKind, err := kindOf(v.Type().Key())
		if err != nil {
			return err
		}
		valueKind, err := kindOf(v.Type().Elem())
		if err != nil {
			return err
		}
		e.Map(uint32(v.Len()), keyKind, valueKind)
		iter := v.MapRange()
		for iter.Next() {
			if err := encodeValue(e, iter.Key(), depth+1); err != nil {
				return err
			}
			if err := encodeValue(e, iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		if err := checkFields(v.Type()); err != nil {
			return err
		}
		e.Slice(uint32(v.NumField()), polyglot.AnyKind)
		for i := 0; i < v.NumField(); i++ {
			if err := encodeValue(e, v.Field(i), depth+1); err != nil {
				return fmt.Errorf("field %s.%s: %w", v.Type(), v.Type().Field(i).Name, err)
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, v.Type())
	}
	return nil
}

// decodeValue fills v, which must be settable. Decoders check the kind prefix
// of every value, so a mismatch fails instead of being coerced.
func decodeValue(d *polyglot.BufferDecoder, v reflect.Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: %s nested deeper than %d levels", ErrUnsupportedType, v.Type(), maxDepth)
	}

	var err error
	switch v.Kind() {
	case reflect.String:
		var s string
		if s, err = d.String(); err == nil {
			v.SetString(s)
		}
	case reflect.Bool:
		var b bool
		if b, err = d.Bool(); err == nil {
			v.SetBool(b)
		}
	case reflect.Uint8:
		var n uint8
		if n, err = d.Uint8(); err == nil {
			v.SetUint(uint64(n))
		}
	case reflect.Uint16:
		var n uint16
		if n, err = d.Uint16(); err == nil {
			v.SetUint(uint64(n))
		}
	case reflect.Uint32:
		var n uint32
		if n, err = d.Uint32(); err == nil {
			v.SetUint(uint64(n))
		}
	case reflect.Uint64:
		var n uint64
		if n, err = d.Uint64(); err == nil {
			v.SetUint(n)
		}
	case reflect.Int32:
		var n int32
		if n, err = d.Int32(); err == nil {
			v.SetInt(int64(n))
		}
	case reflect.Int64, reflect.Int:
		var n int64
		if n, err = d.Int64(); err == nil {
			v.SetInt(n)
		}
	case reflect.Float32:
		var f float32
		if f, err = d.Float32(); err == nil {
			v.SetFloat(float64(f))
		}
	case reflect.Float64:
		var f float64
		if f, err = d.Float64(); err == nil {
			v.SetFloat(f)
		}
	case reflect.Ptr:
		if d.Nil() {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		elem := reflect.New(v.Type().Elem())
		if err := decodeValue(d, elem.Elem(), depth+1); err != nil {
			return err
		}
		v.Set(elem)
	case reflect.Slice:
		return decodeSlice(d, v, depth)
	case reflect.Map:
		return decodeMap(d, v, depth)
	case reflect.Struct:
		if err := checkFields(v.Type()); err != nil {
			return err
		}
		var n uint32
		if n, err = d.Slice(polyglot.AnyKind); err != nil {
			return fmt.Errorf("%s: %w", v.Type(), err)
		}
		if int(n) != v.NumField() {
			return fmt.Errorf("%s: payload has %d fields, type has %d", v.Type(), n, v.NumField())
		}
		for i := 0; i < v.NumField(); i++ {
			if err := decodeValue(d, v.Field(i), depth+1); err != nil {
				return fmt.Errorf("field %s.%s: %w", v.Type(), v.Type().Field(i).Name, err)
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, v.Type())
	}
	return err
}

func decodeSlice(d *polyglot.BufferDecoder, v reflect.Value, depth int) error {
	if d.Nil() {
		v.Set(reflect.Zero(v.Type()))
		return nil
	}
	if v.Type().Elem().Kind() == reflect.Uint8 {
		b, err := d.Bytes(nil)
		if err != nil {
			return err
		}
		if b == nil {
			b = []byte{}
		}
		v.SetBytes(b)
		return nil
	}

	kind, err := kindOf(v.Type().Elem())
	if err != nil {
		return err
	}
	n, err := d.Slice(kind)
	if err != nil {
		return err
	}
	// every element takes at least one byte
	if uint64(n) > uint64(len(*d)) {
		return fmt.Errorf("slice of %d elements in %d bytes: %w", n, len(*d), io.ErrUnexpectedEOF)
	}
	out := reflect.MakeSlice(v.Type(), int(n), int(n))
	for i := 0; i < int(n); i++ {
		if err := decodeValue(d, out.Index(i), depth+1); err != nil {
			return err
		}
	}
	v.Set(out)
	return nil
}

func decodeMap(d *polyglot.BufferDecoder, v reflect.Value, depth int) error {
	if d.Nil() {
		v.Set(reflect.Zero(v.Type()))
		return nil
	}
	keyKind, err := kindOf(v.Type().Key())
	if err != nil {
		return err
	}
	valueKind, err := kindOf(v.Type().Elem())
	if err != nil {
		return err
	}
	n, err := d.Map(keyKind, valueKind)
	if err != nil {
		return err
	}
	if uint64(n)*2 > uint64(len(*d)) {
		return fmt.Errorf("map of %d entries in %d bytes: %w", n, len(*d), io.ErrUnexpectedEOF)
	}
	out := reflect.MakeMapWithSize(v.Type(), int(n))
	for i := uint32(0); i < n; i++ {
		key := reflect.New(v.Type().Key()).Elem()
		if err := decodeValue(d, key, depth+1); err != nil {
			return err
		}
		val := reflect.New(v.Type().Elem()).Elem()
		if err := decodeValue(d, val, depth+1); err != nil {
			return err
		}
		out.SetMapIndex(key, val)
	}
	v.Set(out)
	return nil
}
