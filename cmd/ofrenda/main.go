// Command ofrenda runs and inspects collaborative altar editing sessions.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ofrenda/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
