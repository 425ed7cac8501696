// Package commands implements the cntlm command-line interface.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cfgFile string

	buildVersion = "dev"
	buildCommit  = "none"
)

// SetVersion installs the build-time version identifiers.
func SetVersion(version, commit string) {
	buildVersion = version
	buildCommit = commit
}

var rootCmd = &cobra.Command{
	Use:   "cntlm",
	Short: "NTLM authenticating HTTP/SOCKS5 proxy",
	Long: `cntlm is an authenticating proxy daemon that sits between local
clients and a parent proxy demanding NTLM (or Kerberos) authentication.
Clients speak plain HTTP or SOCKS5 to the daemon; the daemon performs the
NTLM handshake against the parent on their behalf, caches authenticated
connections, and relays traffic.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file (none is read when omitted)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI. Startup failures exit non-zero.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cntlm %s (%s)\n", buildVersion, buildCommit)
	},
}
