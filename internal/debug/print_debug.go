//go:build debug

package debug

import (
	"fmt"
	"os"
)

const Debug = true

// Print writes diagnostic output to stderr. Compiled in only under the
// debug build tag, so release binaries never emit it.
func Print(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "debug: "+format, args...)
}
