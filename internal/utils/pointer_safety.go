package utils

// Ptr returns a pointer to v. Optional token claims are pointer-typed;
// this keeps the two-line temporaries out of the call sites.
func Ptr[T any](v T) *T {
	return &v
}
