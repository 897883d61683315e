// Package resource implements the fixed-capacity container used for both
// the process table and each process's thread table: a slice of a
// caller-defined Resource, where an "exhausted" slot is free for reuse.
package resource

// Resource is anything storable in a Manager. A slot holding an exhausted
// resource is treated as empty.
type Resource interface {
	Exhausted() bool
}

// ClaimError is returned by ClaimFirst/EmplaceFirst.
type ClaimError struct {
	msg string
}

func (e ClaimError) Error() string {
	return e.msg
}

// ErrAddedExhausted is returned when the value passed to ClaimFirst is
// itself exhausted.
var ErrAddedExhausted = ClaimError{"Attempted to add an exhausted resource."}

// ErrNoSpaceAvailable is returned when every slot is occupied by a
// non-exhausted resource.
var ErrNoSpaceAvailable = ClaimError{"Attempted to add a resource to a full manager."}

// Manager is a fixed-capacity array of R, sized at construction.
type Manager[R Resource] struct {
	data []R
}

// New wraps data as a Manager. data's length is the manager's fixed
// capacity.
func New[R Resource](data []R) *Manager[R] {
	return &Manager[R]{data: data}
}

// Len returns the manager's fixed capacity.
func (m *Manager[R]) Len() int {
	return len(m.data)
}

// Each calls fn for every non-exhausted resource, in slot order, stopping
// early if fn returns false.
func (m *Manager[R]) Each(fn func(index int, r R) bool) {
	for i := range m.data {
		if m.data[i].Exhausted() {
			continue
		}
		if !fn(i, m.data[i]) {
			return
		}
	}
}

// EachMut calls fn with a pointer to every non-exhausted resource, in slot
// order, stopping early if fn returns false.
func (m *Manager[R]) EachMut(fn func(index int, r *R) bool) {
	for i := range m.data {
		if m.data[i].Exhausted() {
			continue
		}
		if !fn(i, &m.data[i]) {
			return
		}
	}
}

// ClaimFirst stores newResource in the first exhausted slot and returns
// its index.
func (m *Manager[R]) ClaimFirst(newResource R) (int, error) {
	if newResource.Exhausted() {
		return 0, ErrAddedExhausted
	}
	for i := range m.data {
		if m.data[i].Exhausted() {
			m.data[i] = newResource
			return i, nil
		}
	}
	return 0, ErrNoSpaceAvailable
}

// EmplaceFirst is the lazy variant of ClaimFirst: makeResource is only
// called once the target slot's index is known, so the resource can be
// built to carry that index.
func (m *Manager[R]) EmplaceFirst(makeResource func(index int) R) (int, error) {
	for i := range m.data {
		if m.data[i].Exhausted() {
			m.data[i] = makeResource(i)
			return i, nil
		}
	}
	return 0, ErrNoSpaceAvailable
}

// GetAbsolute returns the resource at index, ignoring whether it is
// exhausted, or (zero, false) if index is out of bounds.
func (m *Manager[R]) GetAbsolute(index int) (r R, ok bool) {
	if index < 0 || index >= len(m.data) {
		return r, false
	}
	return m.data[index], true
}

// GetAbsoluteMut returns a pointer to the resource at index, ignoring
// whether it is exhausted, or nil if index is out of bounds.
func (m *Manager[R]) GetAbsoluteMut(index int) *R {
	if index < 0 || index >= len(m.data) {
		return nil
	}
	return &m.data[index]
}
