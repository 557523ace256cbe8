// The main package for the sitepeek executable.
package main

import "github.com/JakeFAU/sitepeek/cmd"

func main() {
	cmd.Execute()
}
