// Package auth parses partner client certificates into the metadata the
// registry keeps. Issuance and chain verification belong to the identity
// provider; the hub only records presence and the validity window.
package auth

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"fedhub/pkg/types"
)

// ParseCertificatePEM extracts registry metadata from a PEM-encoded
// certificate.
func ParseCertificatePEM(certPEM []byte) (*types.CertificateInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	return &types.CertificateInfo{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// ValidateWindow checks the certificate validity window against now.
func ValidateWindow(info *types.CertificateInfo, now time.Time) error {
	if now.Before(info.NotBefore) {
		return fmt.Errorf("certificate for %s not valid until %s", info.Subject, info.NotBefore.Format(time.RFC3339))
	}
	if info.Expired(now) {
		return fmt.Errorf("certificate for %s expired at %s", info.Subject, info.NotAfter.Format(time.RFC3339))
	}
	return nil
}
