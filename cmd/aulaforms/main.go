// Command aulaforms serves the academic forms and manages their record
// files on the remote host.
package main

import (
	"fmt"
	"os"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
