package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/deltasync/cmd/bugtool"
	"github.com/sidkik/deltasync/cmd/client"
	configCmd "github.com/sidkik/deltasync/cmd/config"
	"github.com/sidkik/deltasync/cmd/server"
	"github.com/sidkik/deltasync/cmd/token"
	"github.com/sidkik/deltasync/cmd/util"
	"github.com/sidkik/deltasync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "DELTASYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "deltasync",
		Short:        "Keep directories in sync with a central server",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		bugtool.New(),
		client.New(),
		configCmd.New(),
		server.New(),
		token.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
