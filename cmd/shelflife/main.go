// Command shelflife manages production batches and their shelf-life samples:
// it registers batches, submits samples, approves batches with their samples,
// answers maturation window queries and plans reminder notifications.
package main

import (
	"fmt"
	"os"
)

var exitFunc = os.Exit

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		exitFunc(1)
	}
}
