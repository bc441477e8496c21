// The main package for the sharedpages executable.
package main

import (
	"github.com/JakeFAU/sharedpages/cmd"
)

func main() {
	cmd.Execute()
}
