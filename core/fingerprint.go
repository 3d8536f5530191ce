package core

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ClientFingerprint is an already-hashed composite of client device signals with
// the client's declared confidence (0-100). It is opaque to the engine.
type ClientFingerprint struct {
	Hash       string `json:"hash" validate:"omitempty,max=256"`
	Confidence int    `json:"confidence" validate:"min=0,max=100"`
}

// FingerprintSignals are the raw client-reported signals a fingerprint is built from
type FingerprintSignals struct {
	Canvas   string `json:"canvas"`
	Audio    string `json:"audio"`
	WebGL    string `json:"webgl"`
	Screen   string `json:"screen"`
	Hardware string `json:"hardware"`
	Browser  string `json:"browser"`
}

// HashFingerprintSignals hashes the signals into a ClientFingerprint. Confidence is the
// share of non-empty signals.
func HashFingerprintSignals(s FingerprintSignals) ClientFingerprint {
	parts := []string{s.Canvas, s.Audio, s.WebGL, s.Screen, s.Hardware, s.Browser}
	present := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			present++
		}
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return ClientFingerprint{
		Hash:       hex.EncodeToString(sum[:]),
		Confidence: present * 100 / len(parts),
	}
}

// CompareFingerprints returns the position-wise similarity of two fingerprint hashes
// as a percentage of the longer one. Identical inputs, including two empty ones, score 100.
func CompareFingerprints(a, b string) int {
	if a == b {
		return 100
	}
	longer := max(len(a), len(b))
	shorter := min(len(a), len(b))
	matches := 0
	for i := 0; i < shorter; i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return matches * 100 / longer
}
