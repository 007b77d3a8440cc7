// The main package for the crawlerd executable.
package main

import (
	"github.com/JakeFAU/site-analyzer/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
