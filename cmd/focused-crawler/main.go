// The main package for the focused-crawler executable.
package main

import "github.com/JakeFAU/focused-crawler/cmd"

func main() {
	cmd.Execute()
}
