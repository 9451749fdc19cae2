// Mnemo - semantic memory for coding agents
// Ingestion, arbitration and retrieval of agent memories over HTTP
package main

import (
	"fmt"
	"os"

	"github.com/mnemolabs/mnemo/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
