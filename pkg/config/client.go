package config

import (
	"path/filepath"
	"time"

	"github.com/sidkik/deltasync/pkg/errors"
)

const (
	// ClientConfigPath is the default path to the client config.
	ClientConfigPath = "~/.deltasync.yaml"

	// DefaultRetryInterval is how long the client waits before retrying an
	// upload that the server couldn't accept yet.
	DefaultRetryInterval = 2 * time.Second
)

// Client is the configuration of `deltasync client`.
type Client struct {
	Version string `json:"version,omitempty"`

	// Server is the address of the server's gRPC endpoint.
	Server string `json:"server"`

	// Token authorizes the connection. It can also be passed on the command
	// line, since tokens can only be used once.
	Token string `json:"token,omitempty"`

	// Root is the local directory that's kept in sync with the server.
	Root string `json:"root"`

	BlockSize     int      `json:"blockSize,omitempty"`
	RetryInterval Duration `json:"retryInterval,omitempty"`
}

func (c Client) getVersion() string {
	return c.Version
}

// ParseClient parses the client config at `path`. If `path` is empty, the
// config is read from the default location.
func ParseClient(path string) (Client, error) {
	if path == "" {
		path = ClientConfigPath
	}
	path, err := homedirExpand(path)
	if err != nil {
		return Client{}, errors.WithContext(err, "expand config path")
	}

	config := Client{Version: SupportedVersion}
	if err := parseConfig(path, &config, SupportedVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Client{}, errors.NewFriendlyError("The deltasync client "+
				"config file doesn't exist at %q. Please create it with the "+
				"server address and the directory to sync.", path)
		}
		return Client{}, errors.WithContext(err, "parse")
	}

	if config.Server == "" {
		return Client{}, errors.MissingFieldError{Field: "server"}
	}
	if config.Root == "" {
		return Client{}, errors.MissingFieldError{Field: "root"}
	}

	config.Root, err = homedirExpand(config.Root)
	if err != nil {
		return Client{}, errors.WithContext(err, "expand root")
	}

	// Evaluate relative paths relative to the config path.
	if !filepath.IsAbs(config.Root) {
		config.Root = filepath.Join(filepath.Dir(path), config.Root)
	}

	if config.BlockSize == 0 {
		config.BlockSize = DefaultBlockSize
	}
	config.RetryInterval.Duration = config.RetryInterval.Or(DefaultRetryInterval)
	return config, nil
}

// WriteClient writes the given client config to `path`.
func WriteClient(path string, cfg Client) error {
	if path == "" {
		path = ClientConfigPath
	}
	path, err := homedirExpand(path)
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	cfg.Version = SupportedVersion
	return writeConfig(path, cfg)
}
