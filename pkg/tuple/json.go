package tuple

import (
	"math"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalJSON encodes the tuple as an object in field order. End tuples carry
// an additional "EOF": true member. NaN and infinities encode as null.
func (t *Tuple) MarshalJSON() ([]byte, error) {
	s := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(s)

	s.WriteObjectStart()
	n := writeMapFields(s, t.fields)
	if t.EOF {
		if n > 0 {
			s.WriteMore()
		}
		s.WriteObjectField(EOFField)
		s.WriteTrue()
	}
	s.WriteObjectEnd()
	return finish(s)
}

func (m *Map) MarshalJSON() ([]byte, error) {
	s := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(s)

	s.WriteObjectStart()
	writeMapFields(s, m)
	s.WriteObjectEnd()
	return finish(s)
}

func (v Value) MarshalJSON() ([]byte, error) {
	s := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(s)

	writeValue(s, v)
	return finish(s)
}

func finish(s *jsoniter.Stream) ([]byte, error) {
	if s.Error != nil {
		return nil, s.Error
	}
	return append([]byte(nil), s.Buffer()...), nil
}

func writeMapFields(s *jsoniter.Stream, m *Map) int {
	n := 0
	m.Range(func(k string, v Value) bool {
		if n > 0 {
			s.WriteMore()
		}
		n++
		s.WriteObjectField(k)
		writeValue(s, v)
		return true
	})
	return n
}

func writeValue(s *jsoniter.Stream, v Value) {
	switch v.kind {
	case KindString:
		s.WriteString(v.str)
	case KindInt:
		s.WriteInt64(v.i)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			s.WriteNil()
			return
		}
		s.WriteFloat64(v.f)
	case KindList:
		s.WriteArrayStart()
		for i, e := range v.list {
			if i > 0 {
				s.WriteMore()
			}
			writeValue(s, e)
		}
		s.WriteArrayEnd()
	case KindMap:
		s.WriteObjectStart()
		writeMapFields(s, v.m)
		s.WriteObjectEnd()
	default:
		s.WriteNil()
	}
}
