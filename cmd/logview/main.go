// logview parses and follows 0x1F-delimited structured log files.
package main

import (
	"os"

	"github.com/oicur0t/logview/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
