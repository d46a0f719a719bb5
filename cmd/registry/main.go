// Command registry runs the document registry: the HTTP API, the outbox
// workers and schema migrations.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
