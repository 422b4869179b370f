package helpers

// Pointer returns a pointer to a copy of v. Settings structs use pointer
// fields to tell "unset" apart from the zero value.
func Pointer[T any](v T) *T {
	return &v
}

// ValueOr dereferences p, falling back to def when p is nil.
func ValueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
