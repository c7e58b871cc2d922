package main

import (
	"os"

	"github.com/mcp-hangar/hangar/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
