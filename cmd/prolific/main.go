// prolific watches the Bluesky firehose and maintains moderation lists of
// accounts with outsized follow graphs or profiles matching word lists.
// It runs as a single binary with SQLite by default, requiring no external
// database for self-hosted deployments.
//
// Usage:
//
//	prolific run [--cache] [-v]
//	prolific remove-user --user HANDLE --list LIST_NAME
//	prolific delete-list --list LIST_NAME
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

// errUsage marks command-line mistakes so main exits 2, the way flag parse
// failures do, while runtime failures exit 1.
var errUsage = errors.New("usage error")

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "prolific",
		Short:        "Maintain Bluesky moderation lists of prolific followers",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "configuration file path")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	root.AddCommand(newRunCommand())
	root.AddCommand(newRemoveUserCommand())
	root.AddCommand(newDeleteListCommand())

	return root
}

// setupLogging installs the process-wide JSON logger.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}
