package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

type IdentitySource string

const (
	IdentityNative      IdentitySource = "native"
	IdentityFingerprint IdentitySource = "fingerprint"
)

// Attributes are the stable device properties a fingerprint is built from.
type Attributes struct {
	Platform  string
	Model     string
	OSVersion string
}

// IdentityProvider yields the platform-issued push token, or "" when the
// platform has none.
type IdentityProvider interface {
	NativeToken(ctx context.Context) (string, error)
}

// StaticIdentity is an IdentityProvider holding a token pushed in by the
// host app.
type StaticIdentity struct {
	mu    sync.RWMutex
	token string
}

func NewStaticIdentity(token string) *StaticIdentity {
	return &StaticIdentity{token: strings.TrimSpace(token)}
}

func (s *StaticIdentity) NativeToken(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *StaticIdentity) Set(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Fingerprint derives a deterministic token from device attributes and the
// install timestamp. SHA-256 keeps it stable across runtimes.
func Fingerprint(attrs Attributes, installedAt time.Time) string {
	platform := strings.ToLower(strings.TrimSpace(attrs.Platform))
	if platform == "" {
		platform = "unknown"
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		platform,
		strings.TrimSpace(attrs.Model),
		strings.TrimSpace(attrs.OSVersion),
		fmt.Sprintf("%d", installedAt.UTC().UnixMilli()),
	}, "|")))
	return fmt.Sprintf("simple_push_%s_%s", platform, hex.EncodeToString(sum[:16]))
}

type identity struct {
	token  string
	source IdentitySource
	attrs  Attributes
}
