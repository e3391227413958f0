package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/logging"
)

// DefaultTrackingDomains are domains that ad and tracking blockers commonly
// sinkhole.
var DefaultTrackingDomains = []string{
	"doubleclick.net",
	"graph.facebook.com",
	"branch.io",
	"app-measurement.com",
}

// Resolver looks up host addresses. *net.Resolver implements it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

func defaultResolver() Resolver {
	return net.DefaultResolver
}

// EnsureTrackingDomainResolution checks that tracking domains resolve to
// real addresses. A loopback or unspecified answer means a DNS blocker is
// hiding the traffic under analysis and yields an errdefs.PreflightError.
func (s *Session) EnsureTrackingDomainResolution(ctx context.Context) error {
	return CheckTrackingDomains(ctx, s.opts.Resolver, s.opts.TrackingDomains, s.logger)
}

// CheckTrackingDomains runs the tracking domain check without a session. A
// nil resolver uses the host resolver and empty domains the defaults.
func CheckTrackingDomains(ctx context.Context, resolver Resolver, domains []string, logger *slog.Logger) error {
	if resolver == nil {
		resolver = defaultResolver()
	}
	if len(domains) == 0 {
		domains = DefaultTrackingDomains
	}
	logger = logging.Ensure(logger)
	for _, domain := range domains {
		addrs, err := resolver.LookupHost(ctx, domain)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", domain, err)
		}
		for _, addr := range addrs {
			ip := net.ParseIP(addr)
			if ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
				return &errdefs.PreflightError{Domain: domain, Addrs: addrs}
			}
		}
		logger.Debug("Tracking domain resolves", "domain", domain, "addrs", addrs)
	}
	return nil
}
