package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/deltasync/cmd/util"
	"github.com/sidkik/deltasync/pkg/config"
	"github.com/sidkik/deltasync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	parseClientConfig             = config.ParseClient
	getWorkingDirectory           = os.Getwd
)

const defaultServer = "localhost" + config.DefaultGRPCAddress

// New creates a new `config` command.
func New() *cobra.Command {
	var path string
	var cliOpts config.Client
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the deltasync client configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(path, cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&path, "path", config.ClientConfigPath,
		"The path of the client config.")
	cmd.Flags().StringVar(&cliOpts.Server, "server", "",
		"Set the server address in the config. "+
			"Optional: If not set, `deltasync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Root, "root", "",
		"Set the directory to sync in the config. "+
			"Optional: If not set, `deltasync config` will interactively prompt.")

	// Setup the commands for querying the contents of the client config.
	type getterCmd struct {
		use, short string
		fn         func(config.Client) string
	}

	getters := []getterCmd{
		{
			use:   "get-server",
			short: "Get the currently configured server address",
			fn:    func(cfg config.Client) string { return cfg.Server },
		},
		{
			use:   "get-root",
			short: "Get the currently configured sync directory",
			fn:    func(cfg config.Client) string { return cfg.Root },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseClientConfig(path)
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig writes the client config at `path`, prompting for any fields
// that weren't set in `cliOpts`.
func SetupConfig(path string, cliOpts config.Client) error {
	cfg, err := generateConfig(path, cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := config.WriteClient(path, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func serverValidationFn(addr string) (string, bool) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "The server address must be of the form host:port, " +
			"such as " + defaultServer + ".", false
	}

	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "The server port must be a number between 1 and 65535.", false
	}
	return "", true
}

func rootValidationFn(root string) (string, bool) {
	if strings.TrimSpace(root) == "" {
		return "The sync directory can't be empty.", false
	}
	if root == "/" {
		return "Syncing the entire filesystem isn't supported. " +
			"Please pick another directory.", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the client config
// should contain. Fields that are already configured are offered as choices,
// and settings that aren't prompted for are kept.
func generateConfig(path string, cliOpts config.Client) (config.Client, error) {
	currConfig, err := parseClientConfig(path)
	if err != nil {
		currConfig = config.Client{}
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := currConfig
	cfg.Token = ""
	var prompts []prompt
	if cliOpts.Server != "" {
		cfg.Server = cliOpts.Server
	} else {
		prompts = append(prompts, prompt{
			helpString:    "Enter the address of the deltasync server's gRPC endpoint.",
			prompt:        "Server address",
			defaultAnswer: defaultServer,
			currAnswer:    currConfig.Server,
			field:         &cfg.Server,
			validationFn:  serverValidationFn,
		})
	}

	if cliOpts.Root != "" {
		cfg.Root = cliOpts.Root
	} else {
		prompts = append(prompts, prompt{
			helpString: "Enter the directory to keep in sync with the server.\n" +
				"It defaults to the current directory.",
			prompt:        "Sync directory",
			defaultAnswer: guessRoot(),
			currAnswer:    currConfig.Root,
			field:         &cfg.Root,
			validationFn:  rootValidationFn,
		})
	}

	stdinReader := bufio.NewReader(stdin)
	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(stdinReader, prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.Client{}, errors.WithContext(err, "read response")
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	if !filepath.IsAbs(cfg.Root) && !strings.HasPrefix(cfg.Root, "~") {
		if wd, err := getWorkingDirectory(); err == nil {
			cfg.Root = filepath.Join(wd, cfg.Root)
		}
	}
	return cfg, nil
}

func guessRoot() string {
	wd, err := getWorkingDirectory()
	if err != nil {
		log.WithError(err).Info("Failed to guess sync directory")
		return ""
	}
	return wd
}

func promptUser(stdinReader *bufio.Reader, helpString, prompt, defaultAnswer,
	currAnswer string) (string, error) {
	// Separate the fields with a blank line.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := readLine(stdinReader)
			if err != nil {
				return "", err
			}

			// Default to the first choice if nothing is entered.
			choice := 1
			if choiceStr != "" {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					continue
				}
			}

			if choice == nOptions {
				break
			}
			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	return readLine(stdinReader)
}

// readLine reads a line without its line ending. The last line doesn't need
// to end with a newline.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
