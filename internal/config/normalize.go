package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeDownload()
	c.normalizeHosts()
	c.normalizeConvert()
	if err := c.normalizeDelivery(); err != nil {
		return err
	}
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DownloadDir) == "" {
		c.Paths.DownloadDir = defaultDownloadDir
	}
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ConvertedDir) == "" {
		c.Paths.ConvertedDir = defaultConvertedDir
	}
	if c.Paths.ConvertedDir, err = expandPath(c.Paths.ConvertedDir); err != nil {
		return fmt.Errorf("paths.converted_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if value, ok := os.LookupEnv("BINDERY_API_TOKEN"); ok && strings.TrimSpace(value) != "" {
		c.Paths.APIToken = value
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeQueue() {
	if c.Queue.MaxRetries < 0 {
		c.Queue.MaxRetries = 0
	}
	if c.Queue.RetryBackoff < 0 {
		c.Queue.RetryBackoff = 0
	}
}

func (c *Config) normalizeDownload() {
	c.Download.UserAgent = strings.TrimSpace(c.Download.UserAgent)
	if c.Download.UserAgent == "" {
		c.Download.UserAgent = defaultUserAgent
	}
	if c.Download.ProgressStep <= 0 {
		c.Download.ProgressStep = defaultProgressStep
	}
	if c.Download.MinFreeBytes < 0 {
		c.Download.MinFreeBytes = 0
	}
}

func (c *Config) normalizeHosts() {
	disabled := make([]string, 0, len(c.Hosts.Disabled))
	seen := make(map[string]struct{}, len(c.Hosts.Disabled))
	for _, host := range c.Hosts.Disabled {
		normalized := strings.ToLower(strings.TrimSpace(host))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		disabled = append(disabled, normalized)
	}
	c.Hosts.Disabled = disabled
}

func (c *Config) normalizeConvert() {
	c.Convert.Command = strings.TrimSpace(c.Convert.Command)
	c.Convert.Profile = strings.TrimSpace(c.Convert.Profile)
	if len(c.Convert.Args) == 0 {
		c.Convert.Args = append([]string(nil), defaultConvertArgs...)
	}
	formats := make([]string, 0, len(c.Convert.OutputFormats))
	for _, format := range c.Convert.OutputFormats {
		normalized := strings.ToLower(strings.TrimSpace(format))
		if normalized == "" {
			continue
		}
		if !strings.HasPrefix(normalized, ".") {
			normalized = "." + normalized
		}
		formats = append(formats, normalized)
	}
	if len(formats) == 0 {
		formats = append(formats, defaultOutputFormats...)
	}
	c.Convert.OutputFormats = formats
	if c.Convert.MaxParallel <= 0 {
		c.Convert.MaxParallel = defaultConvertMaxParallel
	}
}

func (c *Config) normalizeDelivery() error {
	c.Delivery.Endpoint = strings.TrimSpace(c.Delivery.Endpoint)
	c.Delivery.TokenURL = strings.TrimSpace(c.Delivery.TokenURL)
	c.Delivery.ClientID = strings.TrimSpace(c.Delivery.ClientID)
	c.Delivery.DeviceID = strings.TrimSpace(c.Delivery.DeviceID)
	if value, ok := os.LookupEnv("BINDERY_DELIVERY_CLIENT_SECRET"); ok && strings.TrimSpace(value) != "" {
		c.Delivery.ClientSecret = value
	}
	c.Delivery.ClientSecret = strings.TrimSpace(c.Delivery.ClientSecret)
	if strings.TrimSpace(c.Delivery.TokenFile) == "" {
		c.Delivery.TokenFile = defaultDeliveryTokenFile
	}
	var err error
	if c.Delivery.TokenFile, err = expandPath(c.Delivery.TokenFile); err != nil {
		return fmt.Errorf("delivery.token_file: %w", err)
	}
	if c.Delivery.AutoSend && !c.Delivery.Enabled {
		c.Delivery.AutoSend = false
	}
	return nil
}

func (c *Config) normalizeNotifications() {
	if value, ok := os.LookupEnv("NTFY_TOPIC"); ok && strings.TrimSpace(value) != "" {
		c.Notifications.NtfyTopic = value
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
