package commands

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/forgenet/forge/src/forge"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts a forge node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runForge,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runForge(cmd *cobra.Command, args []string) error {
	engine := forge.NewForge(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	go trackRepos(engine)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Shutdown()
	}()

	engine.Run()

	return nil
}

// trackRepos submits the --track repositories once the node loop is running.
func trackRepos(engine *forge.Forge) {
	for _, repo := range _trackRepos {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}
		if err := engine.Service.Track(repo, ""); err != nil {
			_config.Logger().WithField("repo", repo).WithError(err).Error("Cannot track")
		}
	}
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

var _trackRepos []string

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Duplicate log output to this file")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for forge node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for forge node")
	cmd.Flags().Duration("handshake-timeout", _config.HandshakeTimeout, "Handshake timeout")
	cmd.Flags().DurationP("dial-timeout", "t", _config.DialTimeout, "Dial timeout")

	// Gossip
	cmd.Flags().Duration("ping-interval", _config.PingInterval, "Time between liveness pings")
	cmd.Flags().Duration("maintenance-interval", _config.MaintenanceInterval, "Time between routing sweeps")
	cmd.Flags().Duration("routing-ttl", _config.RoutingTTL, "Lifetime of unrefreshed routing entries")
	cmd.Flags().Duration("dedup-horizon", _config.DedupHorizon, "How long announcement fingerprints are remembered")
	cmd.Flags().Int("dedup-limit", _config.DedupLimit, "Max fingerprints held in memory")

	// Replication
	cmd.Flags().Int("max-fetches", _config.MaxFetches, "Max concurrent replication transfers")
	cmd.Flags().Int("fetch-attempts", _config.FetchAttempts, "Sources tried before a fetch fails")
	cmd.Flags().Duration("fetch-timeout", _config.FetchTimeout, "Negotiation timeout per source")
	cmd.Flags().StringSliceVar(&_trackRepos, "track", nil, "Repository to track on startup (repeatable)")

	// Store
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":             _config.DataDir,
		"BindAddr":            _config.BindAddr,
		"AdvertiseAddr":       _config.AdvertiseAddr,
		"LogLevel":            _config.LogLevel,
		"Moniker":             _config.Moniker,
		"HandshakeTimeout":    _config.HandshakeTimeout,
		"DialTimeout":         _config.DialTimeout,
		"PingInterval":        _config.PingInterval,
		"MaintenanceInterval": _config.MaintenanceInterval,
		"RoutingTTL":          _config.RoutingTTL,
		"DedupHorizon":        _config.DedupHorizon,
		"DedupLimit":          _config.DedupLimit,
		"MaxFetches":          _config.MaxFetches,
		"FetchAttempts":       _config.FetchAttempts,
		"FetchTimeout":        _config.FetchTimeout,
		"DatabaseDir":         _config.DatabaseDir,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/forge.toml (.json, .yaml also work)
	viper.SetConfigName("forge")        // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
