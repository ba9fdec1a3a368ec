package attest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nearhand/nearhand-backend/pkg/config"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	pkgerrors "github.com/nearhand/nearhand-backend/pkg/errors"
	"github.com/nearhand/nearhand-backend/pkg/logger"
	pkgredis "github.com/nearhand/nearhand-backend/pkg/redis"
)

// decisionCacheTTL is fixed: the cached verdict must expire on its own
// schedule regardless of token lifetime claims.
const decisionCacheTTL = 10 * time.Minute

var (
	errServiceLoggerRequired = errors.New("attest logger is required")
	errNoVerifiers           = errors.New("at least one attestation verifier is required")
)

type decisionCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	AttestationKey(digest string) string
}

// ServiceParams collects the dependencies for the attestation service.
type ServiceParams struct {
	Config    config.AttestationConfig
	DevMode   bool
	Cache     decisionCache
	Verifiers []Verifier
	Logger    *logger.Logger
}

// Service decides whether a request's device attestation is acceptable,
// consulting a short-lived decision cache before invoking platform verifiers.
type Service struct {
	cfg       config.AttestationConfig
	devMode   bool
	cache     decisionCache
	verifiers map[enums.Platform]Verifier
	logger    *logger.Logger
}

// NewService wires the attestation service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errServiceLoggerRequired
	}
	if params.Config.Enforce && len(params.Verifiers) == 0 {
		return nil, errNoVerifiers
	}

	verifiers := make(map[enums.Platform]Verifier, len(params.Verifiers))
	for _, v := range params.Verifiers {
		if v == nil {
			continue
		}
		verifiers[v.Platform()] = v
	}

	return &Service{
		cfg:       params.Config,
		devMode:   params.DevMode,
		cache:     params.Cache,
		verifiers: verifiers,
		logger:    params.Logger,
	}, nil
}

// CheckParams carries the attestation inputs extracted from a request.
type CheckParams struct {
	Platform string
	DeviceID string
	Token    string
}

// Check validates the device attestation. When enforcement is disabled, or a
// dev bypass applies outside production, the request passes through with an
// unattested verdict. Verifier rejections and verifier errors both deny;
// cache failures fall back to re-verification.
func (s *Service) Check(ctx context.Context, params CheckParams) (*Verdict, error) {
	if !s.cfg.Enforce {
		return &Verdict{Attested: false, Risk: enums.RiskLevelUnknown}, nil
	}
	if s.cfg.DevBypass && s.devMode {
		return &Verdict{Attested: false, Risk: enums.RiskLevelUnknown}, nil
	}

	platform, err := enums.ParsePlatform(params.Platform)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "device attestation required")
	}
	if params.DeviceID == "" || params.Token == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "device attestation required")
	}

	verifier, ok := s.verifiers[platform]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "device attestation required")
	}

	cacheKey := s.decisionKey(platform, params.DeviceID, params.Token)

	if verdict := s.loadCached(ctx, cacheKey); verdict != nil {
		return verdict, nil
	}

	verdict, err := verifier.Verify(ctx, params.DeviceID, params.Token)
	if err != nil {
		warnCtx := s.logger.WithFields(ctx, map[string]any{
			"platform": platform.String(),
			"error":    err.Error(),
		})
		s.logger.Warn(warnCtx, "attest.verify_failed")
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "device attestation failed")
	}
	if verdict == nil || !verdict.Attested {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "device attestation failed")
	}

	s.storeCached(ctx, cacheKey, verdict)
	return verdict, nil
}

func (s *Service) decisionKey(platform enums.Platform, deviceID, token string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", platform, deviceID, token)))
	return hex.EncodeToString(sum[:])
}

func (s *Service) loadCached(ctx context.Context, digest string) *Verdict {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, s.cache.AttestationKey(digest))
	if err != nil {
		if !errors.Is(err, pkgredis.Nil) {
			warnCtx := s.logger.WithFields(ctx, map[string]any{"error": err.Error()})
			s.logger.Warn(warnCtx, "attest.cache_read_failed")
		}
		return nil
	}
	if raw == "" {
		return nil
	}
	var verdict Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil
	}
	if !verdict.Attested {
		return nil
	}
	return &verdict
}

func (s *Service) storeCached(ctx context.Context, digest string, verdict *Verdict) {
	if s.cache == nil || verdict == nil {
		return
	}
	payload, err := json.Marshal(verdict)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.cache.AttestationKey(digest), string(payload), decisionCacheTTL); err != nil {
		warnCtx := s.logger.WithFields(ctx, map[string]any{"error": err.Error()})
		s.logger.Warn(warnCtx, "attest.cache_write_failed")
	}
}
