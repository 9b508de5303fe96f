package tuple

// Map is a field map that remembers insertion order. Overwriting a key keeps
// its original position. The zero value is not usable; call NewMap.
type Map struct {
	keys   []string
	values map[string]Value
}

func NewMap() *Map {
	return &Map{values: make(map[string]Value)}
}

// Set stores v under k.
func (m *Map) Set(k string, v Value) {
	if _, ok := m.values[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.values[k] = v
}

func (m *Map) Get(k string) (Value, bool) {
	if m == nil {
		return Null(), false
	}
	v, ok := m.values[k]
	return v, ok
}

func (m *Map) Delete(k string) {
	if _, ok := m.values[k]; !ok {
		return
	}
	delete(m.values, k)
	for i, key := range m.keys {
		if key == k {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns a copy of the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Range calls fn for every entry in insertion order until fn returns false.
func (m *Map) Range(fn func(k string, v Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Clone returns a copy of m. Nested values are shared, which is safe because
// values are immutable.
func (m *Map) Clone() *Map {
	if m == nil {
		return NewMap()
	}
	out := &Map{
		keys:   append([]string(nil), m.keys...),
		values: make(map[string]Value, len(m.values)),
	}
	for k, v := range m.values {
		out.values[k] = v
	}
	return out
}
