//go:build !windows

package main

import (
	"os"
	"syscall"
)

// redirectStderr points fd 2 at f so runtime panics land in the crash log.
func redirectStderr(f *os.File) {
	syscall.Dup2(int(f.Fd()), int(os.Stderr.Fd()))
}
