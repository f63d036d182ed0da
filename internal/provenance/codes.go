package provenance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"herbtrace/internal/integrity"
	"herbtrace/pkg/domain"
)

// LegacyPrefix marks unsigned product codes of the form QR_<batchId>_<token>.
const LegacyPrefix = "QR_"

// ErrMalformedCode is returned for strings that are neither a signed nor a
// legacy product code.
var ErrMalformedCode = errors.New("malformed product code")

// productClaims is the claim set carried by a signed product code.
type productClaims struct {
	jwt.RegisteredClaims
	BatchID        string `json:"bid"`
	ManufacturerID string `json:"mid"`
}

// CodeSigner issues and verifies product codes. Each manufacturer signs with
// its own key derived from the keyring.
type CodeSigner struct {
	keys *integrity.Keyring
}

// NewCodeSigner constructs a signer over keys.
func NewCodeSigner(keys *integrity.Keyring) *CodeSigner {
	return &CodeSigner{keys: keys}
}

// Issue returns a signed code binding batchID, manufacturerID and issuedAt.
// issuedAt is truncated to whole seconds.
func (s *CodeSigner) Issue(batchID, manufacturerID string, issuedAt time.Time) (string, error) {
	if strings.TrimSpace(batchID) == "" || strings.TrimSpace(manufacturerID) == "" {
		return "", fmt.Errorf("product code requires batch and manufacturer")
	}
	keyID := s.keys.ActiveKeyID()
	key, err := s.keys.DeriveKey(keyID, integrity.ManufacturerScope(manufacturerID))
	if err != nil {
		return "", err
	}
	claims := productClaims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(issuedAt.UTC().Truncate(time.Second))},
		BatchID:          batchID,
		ManufacturerID:   manufacturerID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign product code: %w", err)
	}
	return signed, nil
}

// Parse decodes raw without verifying it.
func (s *CodeSigner) Parse(raw string) (domain.ProductCode, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, LegacyPrefix) {
		return parseLegacy(raw)
	}
	var claims productClaims
	token, _, err := jwt.NewParser().ParseUnverified(raw, &claims)
	if err != nil {
		return domain.ProductCode{}, fmt.Errorf("%w: %v", ErrMalformedCode, err)
	}
	return codeFromClaims(raw, token, &claims)
}

// Verify decodes raw and checks its signature. A bad signature or unknown key
// yields an IntegrityError. Legacy codes decode with Legacy set and are never
// verified.
func (s *CodeSigner) Verify(raw string) (domain.ProductCode, bool, error) {
	code, err := s.Parse(raw)
	if err != nil {
		return domain.ProductCode{}, false, err
	}
	if code.Legacy {
		return code, false, nil
	}
	var claims productClaims
	_, err = jwt.ParseWithClaims(code.Raw, &claims, func(token *jwt.Token) (any, error) {
		return s.keys.DeriveKey(code.KeyID, integrity.ManufacturerScope(code.ManufacturerID))
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return domain.ProductCode{}, false, mapJWTError(err)
	}
	return code, true, nil
}

func codeFromClaims(raw string, token *jwt.Token, claims *productClaims) (domain.ProductCode, error) {
	if strings.TrimSpace(claims.BatchID) == "" || strings.TrimSpace(claims.ManufacturerID) == "" {
		return domain.ProductCode{}, fmt.Errorf("%w: batch and manufacturer are required", ErrMalformedCode)
	}
	keyID, _ := token.Header["kid"].(string)
	if keyID == "" {
		return domain.ProductCode{}, fmt.Errorf("%w: kid header is required", ErrMalformedCode)
	}
	code := domain.ProductCode{
		Raw:            raw,
		BatchID:        claims.BatchID,
		ManufacturerID: claims.ManufacturerID,
		KeyID:          keyID,
	}
	if claims.IssuedAt != nil {
		code.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	return code, nil
}

// parseLegacy splits QR_<batchId>_<token>; the batch id may itself contain
// underscores. A numeric token is read as Unix milliseconds.
func parseLegacy(raw string) (domain.ProductCode, error) {
	parts := strings.Split(raw, "_")
	if len(parts) < 3 {
		return domain.ProductCode{}, fmt.Errorf("%w: legacy code needs a batch and a token", ErrMalformedCode)
	}
	batchID := strings.Join(parts[1:len(parts)-1], "_")
	if strings.TrimSpace(batchID) == "" {
		return domain.ProductCode{}, fmt.Errorf("%w: legacy code has an empty batch id", ErrMalformedCode)
	}
	code := domain.ProductCode{Raw: raw, BatchID: batchID, Legacy: true}
	if ms, err := strconv.ParseInt(parts[len(parts)-1], 10, 64); err == nil {
		code.IssuedAt = time.UnixMilli(ms).UTC()
	}
	return code, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return domain.IntegrityError{Subject: "product code", Reason: "signature does not match batch, manufacturer and issue time"}
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return domain.IntegrityError{Subject: "product code", Reason: "signing key is not recognised"}
	default:
		return fmt.Errorf("%w: %v", ErrMalformedCode, err)
	}
}
