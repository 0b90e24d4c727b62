// Command backtester replays small-cap gappers against the momentum
// strategy. See 'backtester --help'.
package main

import (
	"fmt"
	"os"

	"smallcap-backtester/internal/cli"
	"smallcap-backtester/internal/logging"
)

func main() {
	logger := logging.NewLogger()

	if err := cli.NewRootCmd(logger).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
