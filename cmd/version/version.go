package version

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidkik/deltasync/cmd/util"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/version"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// New creates a new `version` command.
func New() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the local and remote version of deltasync.",
		Long: "Print the local version of deltasync and the sync protocol it\n" +
			"speaks. If --server is set, the server's version is printed too.",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := run(cmd.OutOrStdout(), server); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&server, "server", "",
		"The address of the server's HTTP endpoint, e.g. http://localhost:9301.")
	return cmd
}

func run(out io.Writer, server string) error {
	fmt.Fprintf(out, "local version:    %s\n", version.Version)
	fmt.Fprintf(out, "protocol version: %s\n", version.ProtocolVersion)
	if server == "" {
		return nil
	}

	remoteVersion, err := getRemoteVersion(server)
	if err != nil {
		return errors.WithContext(err, "get remote version")
	}
	fmt.Fprintf(out, "server version:   %s\n", remoteVersion)
	return nil
}

func getRemoteVersion(server string) (string, error) {
	resp, err := httpClient.Get(strings.TrimSuffix(server, "/") + "/healthz")
	if err != nil {
		return "", errors.WithContext(err, "get")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	var health struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return "", errors.WithContext(err, "decode response")
	}
	return health.Version, nil
}
