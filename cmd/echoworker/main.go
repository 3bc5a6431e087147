// Command echoworker is a reference worker that speaks the mcpchannel stdio
// protocol. Point mcpchannel at it with --command echoworker --script "".
package main

import (
	"os"

	"github.com/machinefabric/mcpchannel-go/internal/echoworker"
)

func main() {
	os.Exit(echoworker.Main())
}
