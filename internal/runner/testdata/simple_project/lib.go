package simple

// Add is called by the tests.
func Add(a, b int) int {
	return a + b // called
}

// Sub is linked in but never called.
func Sub(a, b int) int {
	return a - b // uncalled
}
