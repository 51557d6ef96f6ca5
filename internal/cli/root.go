// Package cli implements the larder command-line interface: store
// initialization, ad hoc queries against any configured backend, and
// numerator increments through the checkout cache.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/larder"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir  string
	dataDir    string
	connection string
	logLevel   string
	jsonMode   bool
}

var flags rootFlags

// NewRootCmd creates the top-level "larder" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	flags = rootFlags{}

	root := &cobra.Command{
		Use:     "larder",
		Short:   "Inspect and maintain a larder entity store",
		Long:    "Larder reads and writes point-of-sale entities through the same unit-of-work\nand checkout layer the terminals use, against SQLite, PostgreSQL or JSONL stores.",
		Version: larder.Version,
		// Do not print usage on errors returned by subcommands.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default: $(CWD)/.larder)")
	root.PersistentFlags().StringVar(&flags.connection, "connection", "", "store connection (default: <data-dir>/larder.db)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&flags.jsonMode, "json", false, "output in JSON format")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newGetCmd(),
		newListCmd(),
		newCountCmd(),
		newSumCmd(),
		newDistinctCmd(),
		newNextCmd(),
	)
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "larder:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// userErrors are caused by the invocation rather than the store.
var userErrors = []error{
	types.ErrNotFound,
	types.ErrUnknownKind,
	types.ErrInvalidID,
	types.ErrInvalidPredicate,
	types.ErrBackendEmpty,
	types.ErrBackendUnknown,
	types.ErrLogLevelUnknown,
	types.ErrConcurrencyConflict,
	errUsage,
}

// errUsage marks malformed arguments.
var errUsage = errors.New("usage")

func exitCode(err error) int {
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	return exitSysError
}
