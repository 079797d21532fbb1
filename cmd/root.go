package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/lansync/cmd/pair"
	"github.com/sidkik/lansync/cmd/serve"
	statusCmd "github.com/sidkik/lansync/cmd/status"
	syncCmd "github.com/sidkik/lansync/cmd/sync"
	"github.com/sidkik/lansync/cmd/util"
	"github.com/sidkik/lansync/cmd/version"
	"github.com/sidkik/lansync/pkg/config"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "LANSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "lansync",
		Short:        "Mirror folders between devices on the same local network",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&util.ConfigPath, "config",
		config.DefaultConfigPath, "Path to the lansync config")

	rootCmd.AddCommand(
		pair.New(),
		serve.New(),
		statusCmd.New(),
		syncCmd.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
