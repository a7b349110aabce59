package main

import (
	"os"

	"github.com/muxherd/muxherd/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
