package attest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/option"
	playintegrity "google.golang.org/api/playintegrity/v1"

	"github.com/nearhand/nearhand-backend/pkg/enums"
)

var errPackageNameRequired = errors.New("android package name is required")

// PlayIntegrityVerifier validates Android attestation tokens through the
// Play Integrity decode endpoint.
type PlayIntegrityVerifier struct {
	service     *playintegrity.Service
	packageName string
}

// NewPlayIntegrityVerifier builds the Android verifier using application
// default credentials unless explicit options are supplied.
func NewPlayIntegrityVerifier(ctx context.Context, packageName string, opts ...option.ClientOption) (*PlayIntegrityVerifier, error) {
	if packageName == "" {
		return nil, errPackageNameRequired
	}
	service, err := playintegrity.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating play integrity service: %w", err)
	}
	return &PlayIntegrityVerifier{service: service, packageName: packageName}, nil
}

func (v *PlayIntegrityVerifier) Platform() enums.Platform {
	return enums.PlatformAndroid
}

func (v *PlayIntegrityVerifier) Verify(ctx context.Context, deviceID, token string) (*Verdict, error) {
	req := &playintegrity.DecodeIntegrityTokenRequest{IntegrityToken: token}
	resp, err := v.service.V1.DecodeIntegrityToken(v.packageName, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("decoding integrity token: %w", err)
	}

	payload := resp.TokenPayloadExternal
	if payload == nil {
		return nil, errors.New("integrity token payload missing")
	}
	if payload.RequestDetails == nil || payload.RequestDetails.RequestPackageName != v.packageName {
		return nil, errors.New("integrity token package mismatch")
	}
	if payload.AppIntegrity == nil || payload.AppIntegrity.AppRecognitionVerdict != "PLAY_RECOGNIZED" {
		return nil, errors.New("app not recognized by play")
	}

	risk, ok := deviceRisk(payload.DeviceIntegrity)
	if !ok {
		return nil, errors.New("device integrity not met")
	}

	issuedAt := time.Now().UTC()
	if payload.RequestDetails.TimestampMillis > 0 {
		issuedAt = time.UnixMilli(payload.RequestDetails.TimestampMillis).UTC()
	}

	return &Verdict{
		Attested: true,
		Platform: enums.PlatformAndroid,
		DeviceID: deviceID,
		Risk:     risk,
		IssuedAt: issuedAt,
	}, nil
}

func deviceRisk(integrity *playintegrity.DeviceIntegrity) (enums.RiskLevel, bool) {
	if integrity == nil {
		return enums.RiskLevelUnknown, false
	}
	verdicts := map[string]bool{}
	for _, v := range integrity.DeviceRecognitionVerdict {
		verdicts[v] = true
	}
	switch {
	case verdicts["MEETS_STRONG_INTEGRITY"]:
		return enums.RiskLevelLow, true
	case verdicts["MEETS_DEVICE_INTEGRITY"]:
		return enums.RiskLevelLow, true
	case verdicts["MEETS_BASIC_INTEGRITY"]:
		return enums.RiskLevelMedium, true
	default:
		return enums.RiskLevelHigh, false
	}
}
