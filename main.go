package main

import (
	"os"

	"github.com/belyaeva84-debug/openclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
