package config

import (
	"fmt"
	"os"
)

// Exitf reports a fatal startup failure on stderr and terminates the process
// with exit code 1. Entry points use it before a logger exists.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
