package mqttc

import (
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
	"sync"
	"time"
)

// Library version.
const (
	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

// Version returns the library version as "major.minor.patch".
func Version() string {
	return "1.0.0"
}

// VersionNumbers returns the library version components.
func VersionNumbers() (major, minor, patch int) {
	return versionMajor, versionMinor, versionPatch
}

// Process-wide entropy for generated client identifiers. Initialized once
// on first use and never torn down.
var (
	entropyOnce sync.Once
	entropy     *mathrand.Rand
	entropyMu   sync.Mutex
)

func initEntropy() {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		entropy = mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
		return
	}

	var s int64
	for _, b := range seed {
		s = s<<8 | int64(b)
	}
	entropy = mathrand.New(mathrand.NewSource(s))
}

// generateClientID returns a random client identifier of the form
// "mqttc-<12 hex chars>". Used when no identifier is configured; a server
// assigning one via CONNACK (v5) takes precedence.
func generateClientID() string {
	entropyOnce.Do(initEntropy)

	entropyMu.Lock()
	defer entropyMu.Unlock()

	b := make([]byte, 6)
	for i := range b {
		b[i] = byte(entropy.Intn(256))
	}
	return "mqttc-" + hex.EncodeToString(b)
}
