// Command posse-discovery serves and runs POSSE original-post discovery.
package main

import (
	"github.com/JakeFAU/posse-discovery/cmd"
)

func main() {
	cmd.Execute()
}
