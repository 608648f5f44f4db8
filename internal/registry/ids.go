package registry

import (
	"crypto/rand"
	"fmt"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GatewayIDPrefix and ClientIDPrefix are the caller-visible id formats:
// gateways pick their own "GW-XXXXX", the registry mints "CLIENT-XXXXX".
const (
	GatewayIDPrefix = "GW-"
	ClientIDPrefix  = "CLIENT-"

	idSuffixLen = 5
)

func randomSuffix() (string, error) {
	var buf [idSuffixLen]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf[:]), nil
}

// NewGatewayID generates a fresh gateway id. Uniqueness is enforced at
// registration time, not generation time.
func NewGatewayID() (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	return GatewayIDPrefix + suffix, nil
}

func newClientID() (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	return ClientIDPrefix + suffix, nil
}
