package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
)

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "sshcored",
	Short: "Demonstration harness for the SSH connection layer",
	Long: `
sshcored exercises the connection-layer library packages: it accepts
plaintext length-framed sessions, runs the method-chain authentication
state machine, and serves session channels with the sftp subsystem and
TCP/IP port forwarding.

It is a development harness. There is no key exchange and no encryption:
the transport framing stands in for the binary packet protocol, which
this module treats as an external collaborator.
`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initGlobalOptions()
	},
}

func main() {
	debug.Log("main %#v", os.Args)
	err := cmdRoot.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if errors.IsFatal(err) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
