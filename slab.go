package garrison

// slab is an index-stable store for resource state the device must be able
// to tear down in bulk. Slots freed by remove are recycled by insert.
// Callers synchronize access externally.
type slab[T any] struct {
	entries []slabEntry[T]
	free    []int
	count   int
}

type slabEntry[T any] struct {
	value T
	live  bool
}

func (s *slab[T]) insert(value T) int {
	s.count++
	if n := len(s.free); n > 0 {
		index := s.free[n-1]
		s.free = s.free[:n-1]
		s.entries[index] = slabEntry[T]{value: value, live: true}
		return index
	}
	s.entries = append(s.entries, slabEntry[T]{value: value, live: true})
	return len(s.entries) - 1
}

func (s *slab[T]) remove(index int) T {
	if index < 0 || index >= len(s.entries) || !s.entries[index].live {
		panic("slab index removed twice")
	}
	value := s.entries[index].value
	var zero T
	s.entries[index] = slabEntry[T]{value: zero}
	s.free = append(s.free, index)
	s.count--
	return value
}

// drain visits every live entry and empties the slab.
func (s *slab[T]) drain(visit func(T)) {
	for i := range s.entries {
		if s.entries[i].live {
			visit(s.entries[i].value)
		}
	}
	s.entries = s.entries[:0]
	s.free = s.free[:0]
	s.count = 0
}

func (s *slab[T]) len() int {
	return s.count
}
