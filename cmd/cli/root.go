package cli

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/glimps-re/vt-connector/pkg/config"
	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/handler"
	"github.com/glimps-re/vt-connector/pkg/history"
	"github.com/glimps-re/vt-connector/pkg/monitor"
	"github.com/glimps-re/vt-connector/pkg/poller"
	"github.com/glimps-re/vt-connector/pkg/scanner"
	"github.com/glimps-re/vt-connector/pkg/server"
	"github.com/glimps-re/vt-connector/pkg/source"
	"github.com/glimps-re/vt-connector/pkg/verdict"
	"github.com/glimps-re/vt-connector/pkg/virustotal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

var (
	conf       = config.Default()
	configFile = config.DefaultConfigPath
)

func initConfig() {
	if configFile == "" {
		location, err := config.GetConfigFile()
		if err != nil {
			logger.Debug("no config file found", slog.String("location", location))
			return
		}
		configFile = location
	}
	if _, err := os.Stat(configFile); err != nil {
		logger.Debug("no config file found", slog.String("location", configFile))
		return
	}
	viper.SetConfigFile(configFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		logger.Error("can't read config", slog.String("error", err.Error()))
	}
}

// bind registers a flag and lets it override the key read from the config
// file when set.
func bind(flags *pflag.FlagSet, key, name string) {
	if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
		logger.Error("can't bind flag", slog.String("flag", name), slog.String("error", err.Error()))
	}
}

func initRoot(rootCmd *cobra.Command) {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", config.DefaultConfigPath, "config file")

	flags.String("api-key", os.Getenv("VT_API_KEY"), "VirusTotal API key")
	bind(flags, "virustotal.apiKey", "api-key")
	vtURL := os.Getenv("VT_URL")
	if vtURL == "" {
		vtURL = conf.VirusTotal.URL
	}
	flags.String("vt-url", vtURL, "VirusTotal API v3 base url")
	bind(flags, "virustotal.url", "vt-url")
	flags.Bool("insecure", conf.VirusTotal.Insecure, "do not check certificates")
	bind(flags, "virustotal.insecure", "insecure")
	flags.Float64("requests-per-minute", conf.VirusTotal.RequestsPerMinute, "cap on outbound VirusTotal requests (0 for unlimited, 4 for a public API key)")
	bind(flags, "virustotal.requestsPerMinute", "requests-per-minute")

	flags.Int("max-attempts", conf.Polling.URL.MaxAttempts, "number of analysis status queries before giving up")
	bind(flags, "polling.url.maxAttempts", "max-attempts")
	bind(flags, "polling.file.maxAttempts", "max-attempts")
	pollInterval := conf.Polling.URL.PollInterval
	flags.Var(&pollInterval, "poll-interval", "pause between two analysis status queries (e.g. 10s)")
	bind(flags, "polling.url.pollInterval", "poll-interval")
	bind(flags, "polling.file.pollInterval", "poll-interval")

	flags.String("max-file-size", conf.MaxFileSize, "maximum file size to submit (e.g. 50MiB)")
	bind(flags, "maxFileSize", "max-file-size")
	flags.Bool("follow-symlinks", conf.FollowSymlinks, "follow symbolic links when scanning folders")
	bind(flags, "followSymlinks", "follow-symlinks")

	flags.String("history", conf.History.Location, "history database file (empty for an in-memory history)")
	bind(flags, "history.location", "history")
	flags.Bool("no-history", conf.History.Disabled, "do not record verifications")
	bind(flags, "history.disabled", "no-history")

	flags.String("report", conf.Actions.Report, "file receiving JSON reports of every verification")
	bind(flags, "actions.report", "report")
	flags.Bool("print", conf.Actions.Print, "print verdicts on stdout")
	bind(flags, "actions.print", "print")

	flags.String("log-file", conf.Log.File, "write logs to a rotated file instead of stderr")
	bind(flags, "log.file", "log-file")
	flags.BoolP("debug", "d", conf.Debug, "print debug strings")
	bind(flags, "debug", "debug")
	flags.BoolP("verbose", "v", conf.Verbose, "print detecting engines")
	bind(flags, "verbose", "verbose")

	flags.String("s3-endpoint", conf.S3.Endpoint, "S3 endpoint used for s3:// locations")
	bind(flags, "s3.endpoint", "s3-endpoint")
	flags.String("s3-region", conf.S3.Region, "S3 region used for s3:// locations")
	bind(flags, "s3.region", "s3-region")

	serveFlags := serveCmd.Flags()
	serveFlags.String("listen", conf.Server.Listen, "HTTP listen address")
	bind(serveFlags, "server.listen", "listen")

	monitoringFlags := monitoringCmd.Flags()
	monitoringFlags.Bool("pre-scan", conf.Monitoring.PreScan, "scan existing files when monitoring starts")
	bind(monitoringFlags, "monitoring.preScan", "pre-scan")
	period := conf.Monitoring.Period
	monitoringFlags.Var(&period, "scan-period", "interval between full rescans of monitored folders (e.g. 1h)")
	bind(monitoringFlags, "monitoring.period", "scan-period")
	modDelay := conf.Monitoring.ModificationDelay
	monitoringFlags.Var(&modDelay, "mod-delay", "wait time after the last write before scanning (e.g. 30s)")
	bind(monitoringFlags, "monitoring.modificationDelay", "mod-delay")

	pollCmd.Flags().StringVar(&pollKind, "kind", string(datamodel.KindURL), "kind of the submitted analysis (url or file)")
	historyListCmd.Flags().IntVar(&historyLimit, "limit", history.DefaultListLimit, "number of verifications to list")
	historyListCmd.Flags().IntVar(&historyOffset, "offset", 0, "number of verifications to skip")
}

var rootCmd = &cobra.Command{
	Use:               "vtconnector",
	Short:             "VirusTotal connector verifies urls and files with VirusTotal",
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if err = yaml.NewEncoder(cmd.OutOrStdout()).Encode(conf); err != nil {
			logger.Error("error encode yaml conf", slog.String("err", err.Error()))
			return
		}
		return cmd.Usage()
	},
}

func loadConfig(_ *cobra.Command, _ []string) (err error) {
	if err = viper.Unmarshal(conf, viper.DecodeHook(config.DecodeHook())); err != nil {
		logger.Error("can't unmarshal config", slog.String("error", err.Error()))
		return
	}
	conf.Config = configFile
	setupLogging(conf)
	return
}

var levels = []*slog.LevelVar{
	LogLevel,
	handler.LogLevel,
	history.LogLevel,
	monitor.LogLevel,
	poller.LogLevel,
	scanner.LogLevel,
	server.LogLevel,
	source.LogLevel,
	verdict.LogLevel,
	virustotal.LogLevel,
	datamodel.LogLevel,
}

func setupLogging(conf *config.Config) {
	if conf.Debug {
		for _, level := range levels {
			level.Set(slog.LevelDebug)
		}
		logger.Debug("debug activated")
	}
	if conf.Log.File == "" {
		return
	}
	var out io.Writer = &lumberjack.Logger{
		Filename:   conf.Log.File,
		MaxSize:    conf.Log.MaxSizeMB,
		MaxBackups: conf.Log.MaxBackups,
		MaxAge:     conf.Log.MaxAgeDays,
	}
	newLogger := func(level *slog.LevelVar) *slog.Logger {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	}
	logger = newLogger(LogLevel)
	handler.Logger = newLogger(handler.LogLevel)
	history.Logger = newLogger(history.LogLevel)
	monitor.Logger = newLogger(monitor.LogLevel)
	poller.Logger = newLogger(poller.LogLevel)
	scanner.Logger = newLogger(scanner.LogLevel)
	server.Logger = newLogger(server.LogLevel)
	source.Logger = newLogger(source.LogLevel)
	verdict.Logger = newLogger(verdict.LogLevel)
	virustotal.Logger = newLogger(virustotal.LogLevel)
	datamodel.Logger = newLogger(datamodel.LogLevel)
}

func newHandler(cmd *cobra.Command) (h *handler.Handler, err error) {
	if err = conf.Validate(); err != nil {
		return
	}
	opts := []handler.Option{handler.WithPrintDest(cmd.OutOrStdout())}
	if conf.Log.File != "" {
		// logs go to the file, keep short messages on the terminal
		opts = append(opts, handler.WithConsole(cmd.ErrOrStderr()))
	}
	h, err = handler.NewHandler(cmd.Context(), conf, opts...)
	if err != nil {
		logger.Error("could not init connector properly", slog.String("error", err.Error()))
	}
	return
}

func closeHandler(h *handler.Handler) {
	if err := h.Close(); err != nil {
		logger.Error("could not close connector", slog.String("error", err.Error()))
	}
}

// userError keeps only the message meant for a user of a scan failure.
func userError(err error) error {
	var scanErr *scanner.ScanError
	if errors.As(err, &scanErr) {
		if scanErr.AnalysisID != "" && scanErr.Kind == scanner.ErrTimeoutExceeded {
			return errors.New(scanErr.UserMessage() + " (vtconnector poll " + scanErr.AnalysisID + ")")
		}
		return errors.New(scanErr.UserMessage())
	}
	return err
}
