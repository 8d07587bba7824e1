package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/buger/goterm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/deltasync/cmd/util"
	"github.com/sidkik/deltasync/pkg/config"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fswatch"
	"github.com/sidkik/deltasync/pkg/fsys"
	syncClient "github.com/sidkik/deltasync/pkg/sync/client"
	"github.com/sidkik/deltasync/pkg/tree"
)

// The interval to poll the filesystem for changes when they can't be
// watched.
const pollSeconds = 15

// New creates a new `client` command.
func New() *cobra.Command {
	var configPath, token string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Keep a local directory in sync with the server",
		Long: "Download the user's tree from the server into the configured\n" +
			"directory, then upload local changes and download changes made\n" +
			"by the user's other clients until interrupted.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath, token); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.ClientConfigPath,
		"The path to the client config.")
	cmd.Flags().StringVar(&token, "token", "",
		"The token to connect with. Overrides the token in the config.")
	return cmd
}

func run(configPath, token string) error {
	cfg, err := config.ParseClient(configPath)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	if token == "" {
		token = cfg.Token
	}
	if token == "" {
		return errors.NewFriendlyError("A token is required to connect.\n" +
			"Get one with `deltasync token`, and pass it with `--token`.")
	}

	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return errors.WithContext(err, "create root")
	}

	fs, err := fsys.NewOsFS(cfg.Root)
	if err != nil {
		return errors.WithContext(err, "open root")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := tree.DefaultOptions()
	opts.BlockSize = cfg.BlockSize
	c, err := syncClient.Dial(ctx, cfg.Server, token, fs, syncClient.Config{
		Options:       opts,
		RetryInterval: cfg.RetryInterval.Duration,
	})
	if err != nil {
		return errors.WithContext(err, "connect")
	}
	defer c.Close()

	watcher, err := fswatch.Watch(cfg.Root, c)
	if err != nil {
		rootCause := errors.RootCause(err)
		if dneErr, ok := rootCause.(errors.FileNotFound); ok {
			return errors.NewFriendlyError(
				"Failed to watch files for syncing.\n"+
					"%q doesn't exist.\n\n"+
					"Is the root in the client config correct?", dneErr.Path)
		} else if strings.Contains(rootCause.Error(), "too many open files") {
			log.Warnf("Too many files to automatically watch for changes. "+
				"Polling for changes every %d seconds instead.", pollSeconds)

			// Poll instead of watching.
			watcher = nil
		} else {
			return errors.WithContext(err, "watch files")
		}
	}

	fmt.Printf("Syncing %s as %s.\n", cfg.Root, c.Username())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer util.HandlePanic()
		// The watcher and the poller stop along with the client.
		defer cancel()
		return c.Run(gctx)
	})
	g.Go(func() error {
		defer util.HandlePanic()
		if watcher != nil {
			return watcher.Run(gctx)
		}
		poll(gctx, c, pollSeconds*time.Second)
		return nil
	})
	g.Go(func() error {
		defer util.HandlePanic()
		printEvents(os.Stdout, c)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, syncClient.ErrDisconnected) {
		return errors.NewFriendlyError("The server closed the connection.\n" +
			"Tokens can only be used once, so get a new one with " +
			"`deltasync token` to reconnect.")
	}
	return err
}

type rescanner interface {
	Rescan() error
}

func poll(ctx context.Context, c rescanner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Rescan(); err != nil {
				if errors.Is(err, syncClient.ErrClosed) {
					return
				}
				log.WithError(err).Warn("Failed to check for changes")
			}
		}
	}
}

type eventSource interface {
	rescanner
	Events() <-chan syncClient.Event
}

// printEvents prints the client's progress until it stops. Once the initial
// download is done, the tree is rescanned so that changes made while the
// client wasn't running are uploaded.
func printEvents(out io.Writer, c eventSource) {
	for e := range c.Events() {
		fmt.Fprintln(out, formatEvent(e))
		if e.Type == syncClient.EventReady {
			if err := c.Rescan(); err != nil && !errors.Is(err, syncClient.ErrClosed) {
				log.WithError(err).Warn("Failed to check for changes made while offline")
			}
		}
	}
}

func formatEvent(e syncClient.Event) string {
	switch e.Type {
	case syncClient.EventError:
		return goterm.Color(e.String(), goterm.RED)
	case syncClient.EventRetrying:
		return goterm.Color(e.String(), goterm.YELLOW)
	case syncClient.EventReady, syncClient.EventCompleted:
		return goterm.Color(e.String(), goterm.GREEN)
	case syncClient.EventDisconnected:
		if e.Err != nil {
			return goterm.Color(e.String(), goterm.RED)
		}
	}
	return e.String()
}
