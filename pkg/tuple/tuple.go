// Package tuple holds the unit of data flowing through a stream pipeline: an
// ordered map of dynamically typed field values plus an end-of-stream marker.
package tuple

import (
	"errors"
	"fmt"
)

// EOFField is the field name that marks an end tuple in wire payloads.
const EOFField = "EOF"

var (
	ErrFieldMissing = errors.New("field missing")
	ErrTypeMismatch = errors.New("type mismatch")
)

// Tuple is one row of a stream. Exactly one tuple with EOF set terminates a
// stream; operators may attach results to it before passing it on.
type Tuple struct {
	EOF    bool
	fields *Map
}

// New returns an empty data tuple.
func New() *Tuple {
	return &Tuple{fields: NewMap()}
}

// NewEOF returns an empty end tuple.
func NewEOF() *Tuple {
	return &Tuple{EOF: true, fields: NewMap()}
}

// FromMap builds a data tuple from decoded values. An "EOF" key turns the
// tuple into an end tuple and is not kept as a field.
func FromMap(src map[string]any) (*Tuple, error) {
	m, err := mapFromAny(src)
	if err != nil {
		return nil, err
	}
	t := &Tuple{fields: m}
	if _, ok := m.Get(EOFField); ok {
		t.EOF = true
		m.Delete(EOFField)
	}
	return t, nil
}

// FromFields wraps an existing map without copying it.
func FromFields(m *Map) *Tuple {
	if m == nil {
		m = NewMap()
	}
	return &Tuple{fields: m}
}

// Fields exposes the underlying ordered map.
func (t *Tuple) Fields() *Map { return t.fields }

func (t *Tuple) Get(k string) (Value, bool) { return t.fields.Get(k) }
func (t *Tuple) Set(k string, v Value)      { t.fields.Set(k, v) }
func (t *Tuple) Delete(k string)            { t.fields.Delete(k) }
func (t *Tuple) Len() int                   { return t.fields.Len() }

// Value returns the field k or an error wrapping ErrFieldMissing.
func (t *Tuple) Value(k string) (Value, error) {
	v, ok := t.fields.Get(k)
	if !ok {
		return Null(), fmt.Errorf("field %q: %w", k, ErrFieldMissing)
	}
	return v, nil
}

// GetString returns the string field k.
func (t *Tuple) GetString(k string) (string, error) {
	v, err := t.Value(k)
	if err != nil {
		return "", err
	}
	s, err := v.Str()
	if err != nil {
		return "", fmt.Errorf("field %q: %w", k, err)
	}
	return s, nil
}

// GetInt returns the integer field k.
func (t *Tuple) GetInt(k string) (int64, error) {
	v, err := t.Value(k)
	if err != nil {
		return 0, err
	}
	i, err := v.Int64()
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", k, err)
	}
	return i, nil
}

// GetFloat returns the numeric field k as a float.
func (t *Tuple) GetFloat(k string) (float64, error) {
	v, err := t.Value(k)
	if err != nil {
		return 0, err
	}
	f, err := v.Float64()
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", k, err)
	}
	return f, nil
}

// Clone returns a tuple with a copied field map.
func (t *Tuple) Clone() *Tuple {
	return &Tuple{EOF: t.EOF, fields: t.fields.Clone()}
}

// ToDocument converts the fields into plain Go values suitable for a write
// client.
func (t *Tuple) ToDocument() map[string]any {
	doc := make(map[string]any, t.fields.Len())
	t.fields.Range(func(k string, v Value) bool {
		doc[k] = v.Any()
		return true
	})
	return doc
}

func (t *Tuple) String() string {
	b, err := t.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid tuple: %v>", err)
	}
	return string(b)
}
