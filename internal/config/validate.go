package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateDownload(); err != nil {
		return err
	}
	if err := c.validateHosts(); err != nil {
		return err
	}
	if err := c.validateConvert(); err != nil {
		return err
	}
	if err := c.validateDelivery(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateQueue() error {
	if err := ensurePositiveMap(map[string]int{
		"queue.max_concurrent":     c.Queue.MaxConcurrent,
		"queue.stale_threshold":    c.Queue.StaleThreshold,
		"queue.heartbeat_interval": c.Queue.HeartbeatInterval,
		"queue.poll_interval":      c.Queue.PollInterval,
	}); err != nil {
		return err
	}
	if c.Queue.StaleThreshold <= c.Queue.HeartbeatInterval {
		return errors.New("queue.stale_threshold must be greater than queue.heartbeat_interval")
	}
	return nil
}

// ValidateQueue checks a queue section on its own, for runtime reconfiguration.
func ValidateQueue(q Queue) error {
	cfg := Config{Queue: q}
	return cfg.validateQueue()
}

func (c *Config) validateDownload() error {
	if err := ensurePositiveMap(map[string]int{
		"download.chunk_size":      c.Download.ChunkSize,
		"download.request_timeout": c.Download.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Download.ProgressPerSecond < 0 {
		return errors.New("download.progress_per_second must not be negative (0 disables the limit)")
	}
	if c.Download.ProgressStep > 100 {
		return errors.New("download.progress_step must be between 1 and 100")
	}
	return nil
}

func (c *Config) validateHosts() error {
	if c.Hosts.RatePerMinute < 0 {
		return errors.New("hosts.rate_per_minute must not be negative (0 disables the limit)")
	}
	if c.Hosts.RequestTimeout <= 0 {
		return errors.New("hosts.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateConvert() error {
	if !c.Convert.Enabled {
		return nil
	}
	if c.Convert.Command == "" {
		return errors.New("convert.command must be set when convert.enabled is true")
	}
	if c.Convert.Timeout <= 0 {
		return errors.New("convert.timeout must be positive (seconds)")
	}
	hasInput := false
	for _, arg := range c.Convert.Args {
		if strings.Contains(arg, "{input}") {
			hasInput = true
			break
		}
	}
	if !hasInput {
		return errors.New("convert.args must reference {input}")
	}
	return nil
}

func (c *Config) validateDelivery() error {
	if !c.Delivery.Enabled {
		return nil
	}
	if c.Delivery.Endpoint == "" {
		return errors.New("delivery.endpoint must be set when delivery.enabled is true")
	}
	if _, err := url.ParseRequestURI(c.Delivery.Endpoint); err != nil {
		return fmt.Errorf("delivery.endpoint is not a valid URL: %w", err)
	}
	if c.Delivery.TokenURL == "" {
		return errors.New("delivery.token_url must be set when delivery.enabled is true")
	}
	if c.Delivery.ClientID == "" {
		return errors.New("delivery.client_id must be set when delivery.enabled is true")
	}
	if c.Delivery.MaxFileBytes <= 0 {
		return errors.New("delivery.max_file_bytes must be positive")
	}
	if c.Delivery.RequestTimeout <= 0 {
		return errors.New("delivery.request_timeout must be positive (seconds)")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.NtfyTopic != "" && c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
