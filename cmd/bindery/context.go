package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"bindery/internal/apiclient"
	"bindery/internal/config"
)

const requestTimeout = 15 * time.Second

type commandContext struct {
	configFlag *string
	apiFlag    *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag, apiFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		apiFlag:    apiFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) apiAddress() string {
	if c.apiFlag != nil && strings.TrimSpace(*c.apiFlag) != "" {
		return strings.TrimSpace(*c.apiFlag)
	}
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		return cfg.Paths.APIBind
	}
	return ""
}

func (c *commandContext) client() *apiclient.Client {
	var opts []apiclient.Option
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		opts = append(opts, apiclient.WithToken(cfg.Paths.APIToken))
	}
	return apiclient.New(c.apiAddress(), opts...)
}

// withClient runs fn with a daemon client and a bounded request context.
func (c *commandContext) withClient(cmd *cobra.Command, fn func(context.Context, *apiclient.Client) error) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	reqCtx, cancel := context.WithTimeout(parent, requestTimeout)
	defer cancel()
	return wrapClientError(fn(reqCtx, c.client()))
}

func wrapClientError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apiclient.ErrDaemonUnavailable) {
		return fmt.Errorf("%w; start it with `bindery daemon`", err)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
