// Command garden runs the flower simulation: decay workers wither flowers in
// a shared memory table and gardeners water them back.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dc0d/onexit"
)

// Version information (injected via ldflags at build time)
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			onexit.ForceExit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "garden:", err)
		onexit.ForceExit(1)
	}
	onexit.ForceExit(0)
}

// exitError ends the process with a specific status without printing.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
