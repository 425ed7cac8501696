package main

import (
	"os"

	"github.com/lichangche/cntlm/cmd/cntlm/commands"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersion(version, commit)
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
