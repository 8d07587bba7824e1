package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidkik/deltasync/cmd/util"
	"github.com/sidkik/deltasync/pkg/config"
	"github.com/sidkik/deltasync/pkg/errors"
)

const (
	tokensEndpoint = "/api/v1/tokens"

	// adminKeyEnv can be used instead of the --admin-key flag, so that the
	// key doesn't show up in the shell history.
	adminKeyEnv = "DELTASYNC_ADMIN_KEY"
)

// Response is the structure of the response returned by the token API.
type Response struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Error    string `json:"error"`
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// New creates a new `token` command.
func New() *cobra.Command {
	var server, adminKey, save string
	cmd := &cobra.Command{
		Use:   "token USERNAME",
		Short: "Issue a token for connecting a client",
		Long: "Ask the server to issue a token for USERNAME. Tokens expire\n" +
			"after a few minutes, and can only be used to connect once.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if adminKey == "" {
				adminKey = os.Getenv(adminKeyEnv)
			}
			if err := Main(server, adminKey, args[0], save); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost"+config.DefaultHTTPAddress,
		"The address of the server's HTTP endpoint.")
	cmd.Flags().StringVar(&adminKey, "admin-key", "",
		"The server's admin key. Defaults to $"+adminKeyEnv+".")
	cmd.Flags().StringVar(&save, "save", "",
		"Save the token to the client config at this path rather than printing it.")
	return cmd
}

// Main issues a token, and either prints it or saves it to the client config
// at `savePath`.
func Main(server, adminKey, username, savePath string) error {
	if adminKey == "" {
		return errors.NewFriendlyError("An admin key is required to issue tokens.\n" +
			"Please provide it with `--admin-key` or $" + adminKeyEnv + ".")
	}

	token, err := getToken(server, adminKey, username)
	if err != nil {
		return errors.WithContext(err, "get token")
	}

	if savePath == "" {
		fmt.Println(token)
		return nil
	}

	cfg, err := config.ParseClient(savePath)
	if err != nil {
		return errors.WithContext(err, "parse client config")
	}
	cfg.Token = token
	if err := config.WriteClient(savePath, cfg); err != nil {
		return errors.WithContext(err, "write client config")
	}
	fmt.Printf("Saved the token for %s to %s.\n", username, savePath)
	return nil
}

func getToken(server, adminKey, username string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{"username": username})
	if err != nil {
		return "", errors.WithContext(err, "marshal")
	}

	url := strings.TrimSuffix(server, "/") + tokensEndpoint
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", errors.WithContext(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", errors.WithContext(err, "post")
	}
	defer resp.Body.Close()

	var respBody Response
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return "", errors.WithContext(err, "decode response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", errors.NewFriendlyError("The server rejected the admin key (%s).",
			respBody.Error)
	case resp.StatusCode == http.StatusForbidden:
		return "", errors.NewFriendlyError("The server doesn't issue tokens over HTTP.\n" +
			"Set `adminKey` in its config to enable it.")
	case resp.StatusCode != http.StatusCreated:
		return "", errors.Errorf("unexpected status %d: %s", resp.StatusCode, respBody.Error)
	}
	return respBody.Token, nil
}
