package hosts

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bindery/internal/config"
	"bindery/internal/logging"
)

// Resolution is the winning candidate of a Registry lookup.
type Resolution struct {
	Host        string
	URL         string
	Descriptors []Descriptor
}

// Registry maps host names to resolvers and resolves a source with fallback
// to its backup URLs.
type Registry struct {
	mu        sync.Mutex
	resolvers map[string]Resolver
	limiters  map[string]*rate.Limiter
	perMinute int
	disabled  map[string]struct{}
	logger    *slog.Logger
}

// NewRegistry returns an empty registry configured from cfg.
func NewRegistry(cfg config.Hosts, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		resolvers: make(map[string]Resolver),
		limiters:  make(map[string]*rate.Limiter),
		logger:    logging.NewComponentLogger(logger, "hosts"),
	}
	r.UpdateConfig(cfg)
	return r
}

// Register installs the resolver for a host name, replacing any previous one.
func (r *Registry) Register(name string, resolver Resolver) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || resolver == nil {
		return
	}
	r.mu.Lock()
	r.resolvers[name] = resolver
	r.mu.Unlock()
}

// Hosts returns the registered host names in sorted order.
func (r *Registry) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.resolvers))
	for name := range r.resolvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpdateConfig applies a new rate limit and disabled host list. Existing
// limiters keep their token state.
func (r *Registry) UpdateConfig(cfg config.Hosts) {
	disabled := make(map[string]struct{}, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			disabled[name] = struct{}{}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = disabled
	r.perMinute = cfg.RatePerMinute
	for _, limiter := range r.limiters {
		limiter.SetLimit(perMinuteLimit(cfg.RatePerMinute))
	}
}

func perMinuteLimit(perMinute int) rate.Limit {
	if perMinute <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Minute / time.Duration(perMinute))
}

type candidate struct {
	url      string
	host     string
	priority Priority
}

// Resolve tries the primary source and its backups in host priority order
// (stable, so the primary wins ties) and returns the first successful
// resolution. When every candidate fails the last error is returned.
// Context cancellation aborts immediately.
func (r *Registry) Resolve(ctx context.Context, primary Source, backups ...string) (Resolution, error) {
	candidates := rankCandidates(primary, backups)
	if len(candidates) == 0 {
		return Resolution{}, NewResolverError(KindHostUnsupported, "", "no usable source url")
	}

	var lastErr error
	for i, c := range candidates {
		descriptors, err := r.resolveCandidate(ctx, c)
		if err == nil {
			if i > 0 {
				r.logger.Info("resolved from backup url",
					logging.String("host", c.host),
					logging.Int("attempt", i+1),
					logging.String(logging.FieldEventType, "host_fallback"),
				)
			}
			return Resolution{Host: c.host, URL: c.url, Descriptors: descriptors}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Resolution{}, ctxErr
		}
		lastErr = err
		if i < len(candidates)-1 {
			r.logger.Warn("host resolution failed; trying next candidate",
				logging.String("host", c.host),
				logging.Error(err),
				logging.String(logging.FieldEventType, "host_resolution_failed"),
				logging.String(logging.FieldErrorHint, "check the link or add a backup url"),
			)
		}
	}
	return Resolution{}, lastErr
}

func (r *Registry) resolveCandidate(ctx context.Context, c candidate) ([]Descriptor, error) {
	if c.priority >= PriorityBlocked {
		return nil, NewResolverError(KindHostUnsupported, c.host, "host is blocked")
	}

	r.mu.Lock()
	_, disabled := r.disabled[c.host]
	resolver := r.resolvers[c.host]
	limiter := r.limiterLocked(c.host)
	r.mu.Unlock()

	if disabled {
		return nil, NewResolverError(KindHostUnsupported, c.host, "host disabled in configuration")
	}
	if resolver == nil {
		return nil, NewResolverError(KindHostUnsupported, c.host, "no resolver registered")
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}

	descriptors, err := resolver.Resolve(ctx, Source{URL: c.url, HostHint: c.host})
	if err != nil {
		var resErr *ResolverError
		if errors.As(err, &resErr) && resErr.Host == "" {
			resErr.Host = c.host
		}
		return nil, err
	}
	if len(descriptors) == 0 {
		return nil, NewResolverError(KindNotFound, c.host, "no downloadable files found")
	}
	return normalizeDescriptors(descriptors), nil
}

func (r *Registry) limiterLocked(host string) *rate.Limiter {
	limiter, ok := r.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(perMinuteLimit(r.perMinute), 1)
		r.limiters[host] = limiter
	}
	return limiter
}

func rankCandidates(primary Source, backups []string) []candidate {
	seen := map[string]struct{}{}
	var out []candidate
	add := func(rawURL, host string) {
		rawURL = strings.TrimSpace(rawURL)
		if rawURL == "" {
			return
		}
		if _, ok := seen[rawURL]; ok {
			return
		}
		seen[rawURL] = struct{}{}
		if host == "" {
			host = Identify(rawURL)
		}
		if host == "" {
			return
		}
		out = append(out, candidate{url: rawURL, host: host, priority: PriorityOf(host)})
	}
	add(primary.URL, HostFor(primary))
	for _, backup := range backups {
		add(backup, "")
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}

// NewDefaultRegistry returns a registry with the built-in generic resolver
// registered for plain links.
func NewDefaultRegistry(cfg config.Hosts, userAgent string, logger *slog.Logger) *Registry {
	registry := NewRegistry(cfg, logger)
	direct := NewDirectResolver(time.Duration(cfg.RequestTimeout)*time.Second, userAgent)
	registry.Register(HostDirect, GenericResolver{
		Direct:   direct,
		Manifest: &ManifestResolver{Client: direct.Client, UserAgent: userAgent},
	})
	return registry
}
