package preflight

import (
	"context"

	"bindery/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Download directory", cfg.Paths.DownloadDir),
	}
	if cfg.Download.MinFreeBytes > 0 {
		results = append(results, CheckFreeSpace("Download free space", cfg.Paths.DownloadDir, cfg.Download.MinFreeBytes))
	}

	if cfg.Convert.Enabled {
		results = append(results, CheckDirectoryAccess("Converted directory", cfg.Paths.ConvertedDir))
	}

	if cfg.Delivery.Enabled {
		results = append(results, CheckEndpoint(ctx, "Delivery endpoint", cfg.Delivery.Endpoint))
	}

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
