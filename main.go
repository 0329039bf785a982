// The main package for the orderscraper executable.
package main

import (
	"github.com/JakeFAU/order-history-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
