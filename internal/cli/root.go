// Package cli implements the mcp-oauth command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/singlestore-labs/mcp-oauth/providers/oidc"
)

// Exit codes returned by Execute.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general failure.
	ExitCodeError = 1
	// ExitCodeDiscovery indicates the upstream provider could not be discovered.
	ExitCodeDiscovery = 2
)

// NewRootCmd builds the command tree. Settings come from MCP_* environment
// variables; see internal/config.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-oauth",
		Short: "OAuth 2.1 authorization server for the SingleStore MCP server",
		Long: `mcp-oauth is an OAuth 2.1 authorization server that fronts the
SingleStore MCP server. MCP clients register, authorize and exchange codes
here; the user signs in at the SingleStore identity provider.

All settings are read from MCP_* environment variables.`,
		Version: version,
		// Errors are reported once by Execute.
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "mcp-oauth version %s\n" .Version}}`)

	root.AddCommand(
		newServeCmd(version),
		newMigrateCmd(),
		newVersionCmd(version),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(version string) int {
	err := NewRootCmd(version).Execute()
	if err == nil {
		return ExitCodeSuccess
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var de *oidc.DiscoveryError
	if errors.As(err, &de) {
		return ExitCodeDiscovery
	}
	return ExitCodeError
}
