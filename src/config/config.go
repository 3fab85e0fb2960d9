package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/forgenet/forge/src/common"
	"github.com/forgenet/forge/src/fetch"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database
	DefaultBadgerFile = "badger_db"

	// DefaultPeersFile is the default name of the bootstrap peers file
	DefaultPeersFile = "peers.json"
)

// Default configuration values.
const (
	DefaultLogLevel            = "debug"
	DefaultBindAddr            = "127.0.0.1:1337"
	DefaultHandshakeTimeout    = 5000 * time.Millisecond
	DefaultDialTimeout         = 1000 * time.Millisecond
	DefaultPingInterval        = 10000 * time.Millisecond
	DefaultMaintenanceInterval = 60000 * time.Millisecond
	DefaultRoutingTTL          = 24 * time.Hour
	DefaultDedupHorizon        = 10 * time.Minute
	DefaultDedupLimit          = 10000
	DefaultMaxFetches          = 4
	DefaultFetchAttempts       = 3
	DefaultFetchTimeout        = 10000 * time.Millisecond
)

// Config contains all the configuration properties of a forge node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to a file.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node talks to other
	// nodes. In some cases, there may be a routable address that cannot be
	// bound. Use AdvertiseAddr to advertise a different address to support
	// this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to
	// other nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// HandshakeTimeout bounds the hello exchange on a new connection.
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

	// DialTimeout bounds the establishment of an outbound stream.
	DialTimeout time.Duration `mapstructure:"dial-timeout"`

	// PingInterval is the base interval between liveness pings.
	PingInterval time.Duration `mapstructure:"ping-interval"`

	// MaintenanceInterval is how often stale routing entries are swept.
	MaintenanceInterval time.Duration `mapstructure:"maintenance-interval"`

	// RoutingTTL is how long a routing entry lives without being refreshed.
	RoutingTTL time.Duration `mapstructure:"routing-ttl"`

	// DedupHorizon is how long announcement fingerprints are remembered for
	// loop suppression.
	DedupHorizon time.Duration `mapstructure:"dedup-horizon"`

	// DedupLimit caps the in-memory fingerprint cache.
	DedupLimit int `mapstructure:"dedup-limit"`

	// MaxFetches is the global cap on concurrent replication transfers.
	MaxFetches int `mapstructure:"max-fetches"`

	// FetchAttempts is how many sources a replication job tries before
	// giving up.
	FetchAttempts int `mapstructure:"fetch-attempts"`

	// FetchTimeout bounds the negotiation with a single source.
	FetchTimeout time.Duration `mapstructure:"fetch-timeout"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// Backend is the repository storage the engine replicates into. When
	// nil, an in-memory backend is used.
	Backend fetch.Backend

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:             DefaultDataDir(),
		LogLevel:            DefaultLogLevel,
		BindAddr:            DefaultBindAddr,
		HandshakeTimeout:    DefaultHandshakeTimeout,
		DialTimeout:         DefaultDialTimeout,
		PingInterval:        DefaultPingInterval,
		MaintenanceInterval: DefaultMaintenanceInterval,
		RoutingTTL:          DefaultRoutingTTL,
		DedupHorizon:        DefaultDedupHorizon,
		DedupLimit:          DefaultDedupLimit,
		MaxFetches:          DefaultMaxFetches,
		FetchAttempts:       DefaultFetchAttempts,
		FetchTimeout:        DefaultFetchTimeout,
		DatabaseDir:         DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level forge directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "forge".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				pathMap[level] = c.LogFile
			}
			c.logger.Hooks.Add(lfshook.NewHook(pathMap, new(prefixed.TextFormatter)))
		}
	}
	return c.logger.WithField("prefix", "forge")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level forge config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Forge")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Forge")
		} else {
			return filepath.Join(home, ".forge")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
