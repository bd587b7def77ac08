// Command harvest collects posts for a set of search terms until a target
// number of unique records is reached or every term is exhausted.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
