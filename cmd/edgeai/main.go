// Command edgeai runs the multi-agent orchestration core: the HTTP API
// server, one-shot task runs and configuration helpers.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		os.Exit(1)
	}
}
