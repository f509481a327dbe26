package container

const (
	occupied        uint64 = 1 << 63
	minMapCapacity         = 16
	defaultMaxItems        = 128
)

// Hash32 is the 32 bit FNV style string hash used for map keys, seeded with zero.
func Hash32(key string) uint32 {
	var h uint32
	for i := 0; i < len(key); i++ {
		h += (h << 1) + (h << 4) + (h << 7) + (h << 8) + (h << 24)
		h ^= uint32(key[i])
	}
	return h
}

type slot[V any] struct {
	hash  uint64 // top bit marks occupied
	key   string
	value V
}

// Map is an open addressing table keyed by string, probed linearly with wraparound.
//
// Unlike a pure hash table the full key is compared on every probe, so keys sharing a hash
// never merge. The table doubles whenever it becomes half full. There is no deletion.
// Values should be pointers when callers need stable addresses across growth.
type Map[V any] struct {
	slots []slot[V]
	count int
	hash  func(string) uint32
}

// NewMap create a Map able to hold maxItems entries without growing. The initial table
// is four times maxItems rounded up to a power of two. A nil hash uses Hash32.
func NewMap[V any](maxItems int, hash func(string) uint32) *Map[V] {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	if hash == nil {
		hash = Hash32
	}
	c := minMapCapacity
	for c < maxItems*4 {
		c <<= 1
	}
	return &Map[V]{slots: make([]slot[V], c), hash: hash}
}

func (m *Map[V]) mask() uint64 {
	return uint64(len(m.slots) - 1)
}

func (m *Map[V]) probe(key string, h uint64) (i uint64, found bool) {
	mask := m.mask()
	base := h & mask
	for n := uint64(0); n <= mask; n++ {
		i = (base + n) & mask
		s := &m.slots[i]
		if s.hash&occupied == 0 {
			return i, false
		}
		if uint32(s.hash) == uint32(h) && s.key == key {
			return i, true
		}
	}
	// unreachable while the load factor stays below one
	return 0, false
}

// Find looks key up.
func (m *Map[V]) Find(key string) (v V, ok bool) {
	i, ok := m.probe(key, uint64(m.hash(key)))
	if !ok {
		return
	}
	return m.slots[i].value, true
}

// FindHash returns every value stored under the 32 bit hash h, in probe order.
func (m *Map[V]) FindHash(h uint32) (out []V) {
	mask := m.mask()
	base := uint64(h) & mask
	for n := uint64(0); n <= mask; n++ {
		s := &m.slots[(base+n)&mask]
		if s.hash&occupied == 0 {
			return
		}
		if uint32(s.hash) == h {
			out = append(out, s.value)
		}
	}
	return
}

// Insert stores v under key, replacing an existing value. It reports whether the key was new.
func (m *Map[V]) Insert(key string, v V) bool {
	h := uint64(m.hash(key))
	i, found := m.probe(key, h)
	if found {
		m.slots[i].value = v
		return false
	}
	if (m.count+1)*2 > len(m.slots) {
		m.grow()
		i, _ = m.probe(key, h)
	}
	m.slots[i] = slot[V]{hash: h | occupied, key: key, value: v}
	m.count++
	return true
}

func (m *Map[V]) grow() {
	old := m.slots
	m.slots = make([]slot[V], len(old)*2)
	for _, s := range old {
		if s.hash&occupied == 0 {
			continue
		}
		i, _ := m.probe(s.key, s.hash&^occupied)
		m.slots[i] = s
	}
}

// Len is the number of keys.
func (m *Map[V]) Len() int {
	return m.count
}

// Capacity is the number of slots.
func (m *Map[V]) Capacity() int {
	return len(m.slots)
}

// Range visits every occupied slot in table order until fn returns false.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for i := range m.slots {
		s := &m.slots[i]
		if s.hash&occupied == 0 {
			continue
		}
		if !fn(s.key, s.value) {
			return
		}
	}
}
