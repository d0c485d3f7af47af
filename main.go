// The main package for the reconciler executable.
package main

import (
	"github.com/JakeFAU/record-reconciler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
