package config

import (
	"time"

	"github.com/sidkik/deltasync/pkg/errors"
)

// Default server settings.
const (
	DefaultGRPCAddress = ":9300"
	DefaultHTTPAddress = ":9301"
	DefaultBlockSize   = 512
	DefaultLockTimeout = 5 * time.Second
	DefaultTokenTTL    = 5 * time.Minute
)

// Server is the configuration of `deltasync server`.
type Server struct {
	Version string `json:"version,omitempty"`

	Listen Listen `json:"listen,omitempty"`

	// DataRoot is the directory containing the canonical trees. Each user's
	// tree is in a subdirectory named after them.
	DataRoot string `json:"dataRoot"`

	// Redis is used to coordinate sync locks between server processes. If
	// it's not set, locks are only coordinated within this process.
	Redis Redis `json:"redis,omitempty"`

	Tokens Tokens `json:"tokens"`

	// AdminKey guards the token issuing endpoint. Tokens can't be issued
	// over HTTP if it's empty.
	AdminKey string `json:"adminKey,omitempty"`

	Sync Sync `json:"sync,omitempty"`

	// MinClientVersion is a version constraint, such as ">= 1.0.0", that
	// clients must satisfy to connect.
	MinClientVersion string `json:"minClientVersion,omitempty"`

	Log Log `json:"log,omitempty"`
}

// Listen contains the addresses that the server listens on.
type Listen struct {
	GRPC string `json:"grpc,omitempty"`
	HTTP string `json:"http,omitempty"`
}

// Redis contains the connection settings for the Redis store.
type Redis struct {
	Address  string `json:"address,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Tokens configures the tokens that clients authorize with.
type Tokens struct {
	Secret string   `json:"secret"`
	TTL    Duration `json:"ttl,omitempty"`
}

// Sync contains the settings of the sync algorithm.
type Sync struct {
	// MaxFileSize is the largest file, in bytes, that clients may upload.
	// Zero means there's no limit.
	MaxFileSize int64 `json:"maxFileSize,omitempty"`
	BlockSize   int   `json:"blockSize,omitempty"`

	// LockTimeout is how long to wait for a sync lock's holder to respond
	// before presuming it's dead.
	LockTimeout Duration `json:"lockTimeout,omitempty"`
}

// Log configures where the server logs to.
type Log struct {
	// File is the path of a log file that's rotated once it gets large. Logs
	// are written to stderr if it's empty.
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty"`
	Verbose    bool   `json:"verbose,omitempty"`
}

func (s Server) getVersion() string {
	return s.Version
}

// ParseServer parses the server config at `path`, and fills in defaults.
func ParseServer(path string) (Server, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Server{}, errors.WithContext(err, "expand config path")
	}

	config := Server{Version: SupportedVersion}
	if err := parseConfig(path, &config, SupportedVersion); err != nil {
		return Server{}, errors.WithContext(err, "parse")
	}

	if config.DataRoot == "" {
		return Server{}, errors.MissingFieldError{Field: "dataRoot"}
	}
	if config.Tokens.Secret == "" {
		return Server{}, errors.MissingFieldError{Field: "tokens.secret"}
	}

	config.DataRoot, err = homedirExpand(config.DataRoot)
	if err != nil {
		return Server{}, errors.WithContext(err, "expand data root")
	}
	config.setDefaults()
	return config, nil
}

// WriteServer writes the given server config to `path`.
func WriteServer(path string, cfg Server) error {
	cfg.Version = SupportedVersion
	return writeConfig(path, cfg)
}

func (s *Server) setDefaults() {
	if s.Listen.GRPC == "" {
		s.Listen.GRPC = DefaultGRPCAddress
	}
	if s.Listen.HTTP == "" {
		s.Listen.HTTP = DefaultHTTPAddress
	}
	if s.Sync.BlockSize == 0 {
		s.Sync.BlockSize = DefaultBlockSize
	}
	s.Sync.LockTimeout.Duration = s.Sync.LockTimeout.Or(DefaultLockTimeout)
	s.Tokens.TTL.Duration = s.Tokens.TTL.Or(DefaultTokenTTL)
}
