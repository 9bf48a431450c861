package signature

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Verifier checks presented signatures against the registry.
type Verifier struct {
	registry *Registry
}

// NewVerifier creates a verifier over the given registry
func NewVerifier(registry *Registry) *Verifier {
	return &Verifier{registry: registry}
}

// Verify reports whether signature is a valid keyed hash of payload for
// platform. Unknown platforms and malformed signatures fail closed.
func (v *Verifier) Verify(platform string, payload []byte, signature string) bool {
	cfg, ok := v.registry.Lookup(platform)
	if !ok {
		return false
	}
	presented, ok := decode(cfg, signature)
	if !ok {
		return false
	}
	expected, err := Compute(cfg, payload)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, presented)
}

// Compute returns the raw keyed hash of payload for cfg.
func Compute(cfg PlatformConfig, payload []byte) ([]byte, error) {
	newHash, err := cfg.hashFunc()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, []byte(cfg.SecretKey))
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// Sign renders the header value a platform would send for payload.
func Sign(cfg PlatformConfig, payload []byte) (string, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return "", err
	}
	sum, err := Compute(normalized, payload)
	if err != nil {
		return "", err
	}
	if normalized.Encoding == EncodingBase64 {
		return normalized.Prefix + base64.StdEncoding.EncodeToString(sum), nil
	}
	return normalized.Prefix + hex.EncodeToString(sum), nil
}

func decode(cfg PlatformConfig, signature string) ([]byte, bool) {
	signature = strings.TrimSpace(signature)
	if cfg.Prefix != "" {
		trimmed, found := strings.CutPrefix(signature, cfg.Prefix)
		if !found {
			return nil, false
		}
		signature = trimmed
	}
	if signature == "" {
		return nil, false
	}

	var (
		raw []byte
		err error
	)
	switch cfg.Encoding {
	case EncodingBase64:
		raw, err = base64.StdEncoding.DecodeString(signature)
	default:
		raw, err = hex.DecodeString(strings.ToLower(signature))
	}
	if err != nil {
		return nil, false
	}
	return raw, true
}
