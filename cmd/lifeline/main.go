// lifeline runs an agent's heartbeat tasks on a durable, tier-gated schedule.
package main

import (
	"os"

	"lifeline/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
