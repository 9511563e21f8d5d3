package main

import (
	"os"

	"github.com/coral-mesh/tracecov/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
