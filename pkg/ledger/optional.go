package ledger

// Optional holds a value that may be absent. The zero value is absent.
type Optional[T any] struct {
	value T
	valid bool
}

// Some wraps a present value.
func Some[T any](value T) Optional[T] {
	return Optional[T]{value: value, valid: true}
}

// None returns an absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (optional Optional[T]) Get() (T, bool) {
	return optional.value, optional.valid
}

// IsPresent reports whether a value is held.
func (optional Optional[T]) IsPresent() bool {
	return optional.valid
}

// OrElse returns the held value or fallback.
func (optional Optional[T]) OrElse(fallback T) T {
	if optional.valid {
		return optional.value
	}
	return fallback
}
