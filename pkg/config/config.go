package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/alecthomas/units"
	"github.com/glimps-re/vt-connector/pkg/virustotal"
	"github.com/go-viper/mapstructure/v2"
)

var Version = "dev"

var (
	DefaultVirusTotalURL      = "https://www.virustotal.com/api/v3"
	DefaultMaxAttempts        = 30
	DefaultPollInterval       = Duration(10 * time.Second)
	DefaultURLRequestTimeout  = Duration(15 * time.Second)
	DefaultFileRequestTimeout = Duration(30 * time.Second)
	DefaultSubmitURLTimeout   = Duration(virustotal.DefaultSubmitURLTimeout)
	DefaultSubmitFileTimeout  = Duration(virustotal.DefaultSubmitFileTimeout)
	DefaultModificationDelay  = Duration(30 * time.Second)
	DefaultMaxFileSize        = "50MiB"
	DefaultListen             = "127.0.0.1:8080"
	DefaultLogMaxSizeMB       = 100
	DefaultLogMaxBackups      = 3
	DefaultLogMaxAgeDays      = 28
)

// Duration is a time.Duration read and written as "10s" in config files
// and flags.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) Set(value string) error {
	v, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) Type() string {
	return "duration"
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

// DecodeHook lets viper decode Duration fields from strings.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

type VirusTotalConfig struct {
	URL               string   `yaml:"url" mapstructure:"url" desc:"VirusTotal API v3 base url"`
	APIKey            string   `yaml:"apiKey" mapstructure:"apiKey" desc:"VirusTotal API key"`
	Insecure          bool     `yaml:"insecure" mapstructure:"insecure" desc:"do not check certificates"`
	SubmitURLTimeout  Duration `yaml:"submitUrlTimeout" mapstructure:"submitUrlTimeout" desc:"time allowed to submit an url"`
	SubmitFileTimeout Duration `yaml:"submitFileTimeout" mapstructure:"submitFileTimeout" desc:"time allowed to upload a file"`
	RequestsPerMinute float64  `yaml:"requestsPerMinute" mapstructure:"requestsPerMinute" desc:"outbound request quota, 0 for unlimited"`
}

type PollingConfig struct {
	MaxAttempts    int      `yaml:"maxAttempts" mapstructure:"maxAttempts" desc:"number of status queries before giving up"`
	PollInterval   Duration `yaml:"pollInterval" mapstructure:"pollInterval" desc:"pause between two status queries"`
	RequestTimeout Duration `yaml:"requestTimeout" mapstructure:"requestTimeout" desc:"time allowed to each status query"`
}

type PollingsConfig struct {
	URL  PollingConfig `yaml:"url" mapstructure:"url"`
	File PollingConfig `yaml:"file" mapstructure:"file"`
}

type HistoryConfig struct {
	Location string `yaml:"location" mapstructure:"location" desc:"history database file, empty for an in-memory history"`
	Disabled bool   `yaml:"disabled" mapstructure:"disabled" desc:"do not record verifications"`
}

type ActionsConfig struct {
	Log    bool   `yaml:"log" mapstructure:"log" desc:"log verdicts"`
	Print  bool   `yaml:"print" mapstructure:"print" desc:"print verdicts"`
	Report string `yaml:"report" mapstructure:"report" desc:"file receiving JSON reports"`
}

type MonitoringConfig struct {
	Paths             []string `yaml:"paths" mapstructure:"paths" desc:"folders to watch"`
	PreScan           bool     `yaml:"preScan" mapstructure:"preScan" desc:"scan existing files when monitoring starts"`
	Period            Duration `yaml:"period" mapstructure:"period" desc:"interval between full rescans, 0 to disable"`
	ModificationDelay Duration `yaml:"modificationDelay" mapstructure:"modificationDelay" desc:"wait time after the last write before scanning"`
}

type ServerConfig struct {
	Listen  string `yaml:"listen" mapstructure:"listen" desc:"HTTP listen address"`
	Metrics bool   `yaml:"metrics" mapstructure:"metrics" desc:"expose prometheus metrics on /metrics"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint" desc:"S3 endpoint, empty for AWS"`
	Region          string `yaml:"region" mapstructure:"region"`
	AccessKeyID     string `yaml:"accessKeyId" mapstructure:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey" mapstructure:"secretAccessKey"`
	Insecure        bool   `yaml:"insecure" mapstructure:"insecure"`
	UsePathStyle    bool   `yaml:"usePathStyle" mapstructure:"usePathStyle"`
}

type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file" desc:"log file, empty for stderr"`
	MaxSizeMB  int    `yaml:"maxSizeMB" mapstructure:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" mapstructure:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" mapstructure:"maxAgeDays"`
}

type Config struct {
	Config         string           `yaml:"config" mapstructure:"config" desc:"path to configuration file"`
	VirusTotal     VirusTotalConfig `yaml:"virustotal" mapstructure:"virustotal"`
	Polling        PollingsConfig   `yaml:"polling" mapstructure:"polling"`
	MaxFileSize    string           `yaml:"maxFileSize" mapstructure:"maxFileSize" desc:"maximum file size to submit (e.g. 50MiB)"`
	FollowSymlinks bool             `yaml:"followSymlinks" mapstructure:"followSymlinks"`
	History        HistoryConfig    `yaml:"history" mapstructure:"history"`
	Actions        ActionsConfig    `yaml:"actions" mapstructure:"actions"`
	Monitoring     MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server         ServerConfig     `yaml:"server" mapstructure:"server"`
	S3             S3Config         `yaml:"s3" mapstructure:"s3"`
	Log            LogConfig        `yaml:"log" mapstructure:"log"`
	Debug          bool             `yaml:"debug" mapstructure:"debug"`
	Verbose        bool             `yaml:"verbose" mapstructure:"verbose" desc:"print detecting engines"`
}

func Default() *Config {
	return &Config{
		Config: DefaultConfigPath,
		VirusTotal: VirusTotalConfig{
			URL:               DefaultVirusTotalURL,
			SubmitURLTimeout:  DefaultSubmitURLTimeout,
			SubmitFileTimeout: DefaultSubmitFileTimeout,
		},
		Polling: PollingsConfig{
			URL:  PollingConfig{MaxAttempts: DefaultMaxAttempts, PollInterval: DefaultPollInterval, RequestTimeout: DefaultURLRequestTimeout},
			File: PollingConfig{MaxAttempts: DefaultMaxAttempts, PollInterval: DefaultPollInterval, RequestTimeout: DefaultFileRequestTimeout},
		},
		MaxFileSize: DefaultMaxFileSize,
		History:     HistoryConfig{Location: DefaultHistoryLocation},
		Actions:     ActionsConfig{Log: true, Print: true},
		Monitoring:  MonitoringConfig{ModificationDelay: DefaultModificationDelay},
		Server:      ServerConfig{Listen: DefaultListen, Metrics: true},
		Log: LogConfig{
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
		},
	}
}

var ErrMissingAPIKey = errors.New("a VirusTotal API key is mandatory (--api-key or VT_API_KEY)")

// MaxFileSizeBytes parses MaxFileSize.
func (c *Config) MaxFileSizeBytes() (size int64, err error) {
	size, err = units.ParseStrictBytes(c.MaxFileSize)
	if err != nil {
		err = fmt.Errorf("could not parse max-file-size: %w", err)
		return
	}
	if size <= 0 {
		err = fmt.Errorf("max-file-size must be greater than 0, got %s", c.MaxFileSize)
	}
	return
}

func (c *Config) Validate() error {
	if c.VirusTotal.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.VirusTotal.URL == "" {
		return errors.New("VirusTotal url is mandatory")
	}
	_, err := c.MaxFileSizeBytes()
	return err
}
