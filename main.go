// The main package for the grand-spider executable.
package main

import (
	"github.com/JakeFAU/grand-spider/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
