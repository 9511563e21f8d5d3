package simple

// Scale is linked in but never called.
func Scale(n int) int {
	doubled := n * 2       // unused-1
	shifted := doubled + 1 // unused-2
	return shifted         // unused-3
}
