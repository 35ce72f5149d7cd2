//go:build windows

package main

import "os"

// redirectStderr swaps os.Stderr only; the runtime keeps writing panics to
// the original handle.
func redirectStderr(f *os.File) {
	os.Stderr = f
}
