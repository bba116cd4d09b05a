package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T, notBefore, notAfter time.Time) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fra.partner.example"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestParseCertificatePEM(t *testing.T) {
	now := time.Now()
	certPEM := selfSignedPEM(t, now.Add(-time.Hour), now.Add(24*time.Hour))

	info, err := ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	assert.Contains(t, info.Subject, "fra.partner.example")
	assert.Len(t, info.Fingerprint, 64)
	assert.False(t, info.Expired(now))

	_, err = ParseCertificatePEM([]byte("not a certificate"))
	require.Error(t, err)
}

func TestValidateWindow(t *testing.T) {
	now := time.Now()

	valid, err := ParseCertificatePEM(selfSignedPEM(t, now.Add(-time.Hour), now.Add(time.Hour)))
	require.NoError(t, err)
	assert.NoError(t, ValidateWindow(valid, now))

	expired, err := ParseCertificatePEM(selfSignedPEM(t, now.Add(-2*time.Hour), now.Add(-time.Hour)))
	require.NoError(t, err)
	err = ValidateWindow(expired, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	future, err := ParseCertificatePEM(selfSignedPEM(t, now.Add(time.Hour), now.Add(2*time.Hour)))
	require.NoError(t, err)
	err = ValidateWindow(future, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid until")
}
