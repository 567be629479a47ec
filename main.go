// Command archive-scanner runs the master or a client of the distributed
// archive scanner.
package main

import "github.com/JakeFAU/archive-scanner/cmd"

func main() {
	cmd.Execute()
}
