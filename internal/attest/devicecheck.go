package attest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nearhand/nearhand-backend/pkg/enums"
)

const (
	deviceCheckProdURL = "https://api.devicecheck.apple.com/v1/validate_device_token"
	deviceCheckDevURL  = "https://api.development.devicecheck.apple.com/v1/validate_device_token"

	deviceCheckAuthTTL = 5 * time.Minute
	deviceCheckTimeout = 10 * time.Second
)

var (
	errAppleKeyRequired  = errors.New("apple devicecheck key is required")
	errAppleIDsRequired  = errors.New("apple key id and team id are required")
	errDeviceTokenDenied = errors.New("device token rejected by apple")
)

// DeviceCheckVerifier validates iOS device tokens against Apple's DeviceCheck
// service using an ES256-signed authorization JWT.
type DeviceCheckVerifier struct {
	keyID      string
	teamID     string
	privateKey *ecdsa.PrivateKey
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
}

// DeviceCheckParams configures the iOS verifier.
type DeviceCheckParams struct {
	KeyID      string
	TeamID     string
	KeyPEM     string
	Sandbox    bool
	HTTPClient *http.Client
}

// NewDeviceCheckVerifier parses the signing key and builds the verifier.
func NewDeviceCheckVerifier(params DeviceCheckParams) (*DeviceCheckVerifier, error) {
	if params.KeyID == "" || params.TeamID == "" {
		return nil, errAppleIDsRequired
	}
	if params.KeyPEM == "" {
		return nil, errAppleKeyRequired
	}

	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(params.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing apple signing key: %w", err)
	}

	endpoint := deviceCheckProdURL
	if params.Sandbox {
		endpoint = deviceCheckDevURL
	}

	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: deviceCheckTimeout}
	}

	return &DeviceCheckVerifier{
		keyID:      params.KeyID,
		teamID:     params.TeamID,
		privateKey: key,
		endpoint:   endpoint,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

func (v *DeviceCheckVerifier) Platform() enums.Platform {
	return enums.PlatformIOS
}

func (v *DeviceCheckVerifier) Verify(ctx context.Context, deviceID, token string) (*Verdict, error) {
	authToken, err := v.authorizationJWT()
	if err != nil {
		return nil, err
	}

	now := v.now().UTC()
	body, err := json.Marshal(map[string]any{
		"device_token":   token,
		"transaction_id": uuid.NewString(),
		"timestamp":      now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding devicecheck request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building devicecheck request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling devicecheck: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", errDeviceTokenDenied, resp.StatusCode)
	}

	return &Verdict{
		Attested: true,
		Platform: enums.PlatformIOS,
		DeviceID: deviceID,
		Risk:     enums.RiskLevelLow,
		IssuedAt: now,
	}, nil
}

func (v *DeviceCheckVerifier) authorizationJWT() (string, error) {
	now := v.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    v.teamID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(deviceCheckAuthTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = v.keyID

	signed, err := token.SignedString(v.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing devicecheck jwt: %w", err)
	}
	return signed, nil
}
