package simple

import (
	"os"
	"testing"
)

func TestAdd(t *testing.T) {
	if Add(1, 2) != 3 {
		t.Fatal("Add(1, 2) != 3")
	}

	// Keeps Sub and Scale linked without running them.
	if os.Getenv("SIMPLE_CALL_ALL") != "" {
		t.Log(Sub(1, 1), Scale(1))
	}
}
