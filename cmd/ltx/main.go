// ltx executes commands dispatched by a remote controller over a
// compact binary protocol framed on stdin/stdout.
package main

import (
	"fmt"
	"os"

	"github.com/lajosnagyuk/ltx/pkg/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd := cli.NewRootCmd(cli.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
