// Command winklet runs the winklet sync engine, relay and scenario harness.
package main

import (
	"os"

	"github.com/roach88/winklet/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
