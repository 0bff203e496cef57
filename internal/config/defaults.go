package config

const (
	defaultConfigPath             = "~/.config/bindery/config.toml"
	defaultStateDir               = "~/.local/share/bindery"
	defaultDownloadDir            = "~/.local/share/bindery/downloads"
	defaultConvertedDir           = "~/.local/share/bindery/converted"
	defaultLogDir                 = "~/.local/share/bindery/logs"
	defaultAPIBind                = "127.0.0.1:7491"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultMaxConcurrent          = 2
	defaultMaxRetries             = 3
	defaultRetryBackoff           = 30
	defaultStaleThreshold         = 900
	defaultHeartbeatInterval      = 15
	defaultPollInterval           = 5
	defaultChunkSize              = 8192
	defaultDownloadRequestTimeout = 60
	defaultUserAgent              = "Mozilla/5.0 (X11; Linux x86_64) bindery/0.1"
	defaultProgressStep           = 1
	defaultProgressPerSecond      = 4
	defaultMinFreeBytes           = 256 << 20
	defaultHostRatePerMinute      = 30
	defaultHostRequestTimeout     = 20
	defaultConvertCommand         = "kcc-c2e"
	defaultConvertProfile         = "KPW5"
	defaultConvertTimeout         = 1800
	defaultConvertMaxParallel     = 1
	defaultDeliveryMaxFileBytes   = 200 << 20
	defaultDeliveryRequestTimeout = 120
	defaultDeliveryTokenFile      = "~/.local/share/bindery/delivery_token.json"
	defaultNotifyRequestTimeout   = 10
)

var defaultConvertArgs = []string{"--profile", "{profile}", "--output", "{output_dir}", "{input}"}

var defaultOutputFormats = []string{".epub", ".kepub.epub", ".mobi", ".azw3", ".pdf"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:     defaultStateDir,
			DownloadDir:  defaultDownloadDir,
			ConvertedDir: defaultConvertedDir,
			LogDir:       defaultLogDir,
			APIBind:      defaultAPIBind,
		},
		Queue: Queue{
			MaxConcurrent:     defaultMaxConcurrent,
			MaxRetries:        defaultMaxRetries,
			RetryBackoff:      defaultRetryBackoff,
			StaleThreshold:    defaultStaleThreshold,
			HeartbeatInterval: defaultHeartbeatInterval,
			PollInterval:      defaultPollInterval,
		},
		Download: Download{
			ChunkSize:         defaultChunkSize,
			RequestTimeout:    defaultDownloadRequestTimeout,
			UserAgent:         defaultUserAgent,
			ProgressStep:      defaultProgressStep,
			ProgressPerSecond: defaultProgressPerSecond,
			VerifyArchives:    true,
			MinFreeBytes:      defaultMinFreeBytes,
		},
		Hosts: Hosts{
			RatePerMinute:  defaultHostRatePerMinute,
			RequestTimeout: defaultHostRequestTimeout,
		},
		Convert: Convert{
			Enabled:       true,
			Command:       defaultConvertCommand,
			Args:          append([]string(nil), defaultConvertArgs...),
			Profile:       defaultConvertProfile,
			OutputFormats: append([]string(nil), defaultOutputFormats...),
			Timeout:       defaultConvertTimeout,
			MaxParallel:   defaultConvertMaxParallel,
		},
		Delivery: Delivery{
			TokenFile:      defaultDeliveryTokenFile,
			MaxFileBytes:   defaultDeliveryMaxFileBytes,
			RequestTimeout: defaultDeliveryRequestTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Downloads:      true,
			Conversions:    false,
			Deliveries:     true,
			Errors:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
