package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/nearhand/nearhand-backend/api/responses"
	"github.com/nearhand/nearhand-backend/pkg/config"
	pkgerrors "github.com/nearhand/nearhand-backend/pkg/errors"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

type rateLimiterStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
	TTL(context.Context, string) (time.Duration, error)
	RateLimitKey(string) string
}

// RateLimitPolicy defines the throttling parameters for a traffic surface.
// Limits are resolved per actor role, falling back to the default limit for
// anonymous or unrecognized roles.
type RateLimitPolicy struct {
	bucket       string
	window       time.Duration
	defaultLimit int
	roleLimits   map[string]int
	failOpen     bool
}

// NewRateLimitPolicy builds a policy from the rate limit configuration.
func NewRateLimitPolicy(bucket string, cfg config.RateLimitConfig) RateLimitPolicy {
	return RateLimitPolicy{
		bucket:       strings.ToLower(strings.TrimSpace(bucket)),
		window:       cfg.Window,
		defaultLimit: cfg.DefaultLimit,
		roleLimits: map[string]int{
			"consumer": cfg.ConsumerLimit,
			"provider": cfg.ProviderLimit,
			"admin":    cfg.AdminLimit,
		},
		failOpen: cfg.FailOpen,
	}
}

func (p RateLimitPolicy) enabled() bool {
	return p.window > 0 && p.defaultLimit > 0
}

func (p RateLimitPolicy) normalizedBucket() string {
	if p.bucket == "" {
		return "api"
	}
	return p.bucket
}

func (p RateLimitPolicy) limitFor(role string) int {
	if limit, ok := p.roleLimits[role]; ok && limit > 0 {
		return limit
	}
	return p.defaultLimit
}

// RateLimit enforces a fixed-window counter per caller identity. Authenticated
// requests count against the user id; anonymous requests against the client IP.
func RateLimit(policy RateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			identity, scope := callerIdentity(r)
			role := RoleFromContext(ctx)
			limit := int64(policy.limitFor(role))

			key := store.RateLimitKey(fmt.Sprintf("%s:%s", policy.normalizedBucket(), identity))
			count, err := store.IncrWithTTL(ctx, key, policy.window)
			if err != nil {
				if policy.failOpen {
					if logg != nil {
						warnCtx := logg.WithFields(ctx, map[string]any{"error": err.Error()})
						logg.Warn(warnCtx, "rate_limit.store_unavailable")
					}
					next.ServeHTTP(w, r)
					return
				}
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
				return
			}

			reset := policy.window
			if ttl, err := store.TTL(ctx, key); err == nil && ttl > 0 {
				reset = ttl
			}
			writeRateLimitHeaders(w, limit, count, reset)

			if count > limit {
				if logg != nil {
					blockCtx := logg.WithFields(ctx, map[string]any{
						"scope":          scope,
						"bucket":         policy.normalizedBucket(),
						"attempts":       count,
						"limit":          limit,
						"window_seconds": int(policy.window.Seconds()),
					})
					logg.Warn(blockCtx, "rate_limit.blocked")
				}
				responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, limit, count int64, reset time.Duration) {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(reset.Round(time.Second).Seconds())))
}

func callerIdentity(r *http.Request) (identity, scope string) {
	if userID := UserIDFromContext(r.Context()); userID != "" {
		return "user:" + userID, "user"
	}
	return "ip:" + clientIP(r), "ip"
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := canonicalIP(strings.TrimSpace(part)); ip != "" {
				return ip
			}
		}
	}
	if ip := canonicalIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if ip := canonicalIP(host); ip != "" {
			return ip
		}
	}
	if ip := canonicalIP(r.RemoteAddr); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// canonicalIP normalizes textual IPs so equivalent forms share one counter.
// IPv6 addresses collapse to their /64 prefix to blunt rotation within a
// single delegated network.
func canonicalIP(raw string) string {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	if addr.Is6() {
		prefix, err := addr.Prefix(64)
		if err == nil {
			return prefix.String()
		}
	}
	return addr.String()
}
