package payment

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/codexlong/ChatForge/internal/pkg/pricing"
)

// daysResolver implements the metadata-first entitlement-days policy shared
// by all adapters: recorded order metadata wins, the configured per-currency
// amount cutoffs are the explicit fallback.
type daysResolver struct {
	meta    OrderMetadataSource
	pricing *pricing.Config
}

func (d daysResolver) resolve(ctx context.Context, aliases []string, currency string, amount float64) int {
	if d.meta != nil {
		if md, err := d.meta.PendingOrderMetadata(ctx, aliases); err == nil && md.Days > 0 {
			return md.Days
		}
	}
	if d.pricing != nil && amount > 0 {
		return d.pricing.DaysForAmount(currency, amount)
	}
	return pricing.DaysMonthly
}

// parseRSAPublicKey accepts a PEM block or the bare base64 body providers
// hand out in their dashboards.
func parseRSAPublicKey(raw string) (*rsa.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty public key")
	}
	block, _ := pem.Decode([]byte(raw))
	var der []byte
	if block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(raw, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("public key is neither PEM nor base64: %w", err)
		}
		der = decoded
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, errors.New("public key is not RSA")
	}
	if cert, err := x509.ParseCertificate(der); err == nil {
		if rsaPub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
	}
	return nil, errors.New("unsupported public key encoding")
}

func parseRSAPrivateKey(raw string) (*rsa.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty private key")
	}
	block, _ := pem.Decode([]byte(raw))
	var der []byte
	if block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(raw, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("private key is neither PEM nor base64: %w", err)
		}
		der = decoded
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("private key is not RSA")
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key encoding")
}

// wrapOutboundErr maps transport-level failures of provider calls onto the
// canonical unavailability error.
func wrapOutboundErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, urlErr)
	}
	return err
}

// userIDFromPassthrough extracts the owning user id from the opaque
// passthrough field providers echo back (attach / passback_params). Both the
// JSON form {"userId":...} and the query form userId=... are accepted.
func userIDFromPassthrough(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if unescaped, err := url.QueryUnescape(raw); err == nil {
		raw = strings.TrimSpace(unescaped)
	}
	if strings.HasPrefix(raw, "{") {
		var payload struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err == nil && payload.UserID != "" {
			return payload.UserID
		}
		return ""
	}
	if values, err := url.ParseQuery(raw); err == nil {
		if id := values.Get("userId"); id != "" {
			return id
		}
	}
	return raw
}
