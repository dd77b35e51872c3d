package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// NewCertificateFingerprint generates a self-signed DTLS certificate and
// returns its sha-256 fingerprint. The fingerprint is rendered into every
// answer SDP the instance produces; the certificate itself lives for the
// process lifetime.
func NewCertificateFingerprint() (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return "", fmt.Errorf("generate dtls certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return "", fmt.Errorf("fingerprint dtls certificate: %w", err)
	}
	if len(fps) == 0 {
		return "", fmt.Errorf("dtls certificate has no fingerprints")
	}
	return fps[0].Value, nil
}
