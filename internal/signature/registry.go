// Package signature authenticates inbound aggregator webhooks with keyed hashes.
package signature

import (
	"crypto/sha1" //nolint:gosec // some aggregators still sign with HMAC-SHA1
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// Algorithm names a keyed-hash function used by a platform.
type Algorithm string

const (
	AlgorithmHMACSHA256 Algorithm = "hmac-sha256"
	AlgorithmHMACSHA1   Algorithm = "hmac-sha1"
	AlgorithmHMACSHA512 Algorithm = "hmac-sha512"
)

// Encoding names how a platform renders the digest in its header.
type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingBase64 Encoding = "base64"
)

// DefaultHeaderName is used when a platform config leaves the header empty.
const DefaultHeaderName = "X-Webhook-Signature"

// ErrInvalidConfig is returned for unusable platform configuration.
var ErrInvalidConfig = errors.New("invalid platform signature config")

// PlatformConfig is the static authentication setup for one aggregator.
type PlatformConfig struct {
	Platform   string    `mapstructure:"platform" json:"platform"`
	SecretKey  string    `mapstructure:"secret_key" json:"-"`
	HeaderName string    `mapstructure:"header_name" json:"header_name"`
	Algorithm  Algorithm `mapstructure:"algorithm" json:"algorithm"`
	Encoding   Encoding  `mapstructure:"encoding" json:"encoding"`
	// Prefix is stripped from the presented signature, e.g. "sha256=".
	Prefix string `mapstructure:"prefix" json:"prefix,omitempty"`
}

func (c PlatformConfig) hashFunc() (func() hash.Hash, error) {
	switch c.Algorithm {
	case AlgorithmHMACSHA256:
		return sha256.New, nil
	case AlgorithmHMACSHA1:
		return sha1.New, nil
	case AlgorithmHMACSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("platform %q: unsupported algorithm %q: %w", c.Platform, c.Algorithm, ErrInvalidConfig)
	}
}

func (c PlatformConfig) normalize() (PlatformConfig, error) {
	c.Platform = strings.ToLower(strings.TrimSpace(c.Platform))
	c.HeaderName = strings.TrimSpace(c.HeaderName)
	c.Algorithm = Algorithm(strings.ToLower(strings.TrimSpace(string(c.Algorithm))))
	c.Encoding = Encoding(strings.ToLower(strings.TrimSpace(string(c.Encoding))))

	if c.Platform == "" {
		return c, fmt.Errorf("platform name is required: %w", ErrInvalidConfig)
	}
	if c.SecretKey == "" {
		return c, fmt.Errorf("platform %q: secret key is required: %w", c.Platform, ErrInvalidConfig)
	}
	if c.HeaderName == "" {
		c.HeaderName = DefaultHeaderName
	}
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmHMACSHA256
	}
	if c.Encoding == "" {
		c.Encoding = EncodingHex
	}
	if _, err := c.hashFunc(); err != nil {
		return c, err
	}
	if c.Encoding != EncodingHex && c.Encoding != EncodingBase64 {
		return c, fmt.Errorf("platform %q: unsupported encoding %q: %w", c.Platform, c.Encoding, ErrInvalidConfig)
	}
	return c, nil
}

// Registry holds one PlatformConfig per aggregator. It is read-only once built.
type Registry struct {
	platforms map[string]PlatformConfig
}

// NewRegistry validates the configs and indexes them by platform name.
func NewRegistry(configs ...PlatformConfig) (*Registry, error) {
	r := &Registry{platforms: make(map[string]PlatformConfig, len(configs))}
	for _, cfg := range configs {
		normalized, err := cfg.normalize()
		if err != nil {
			return nil, err
		}
		if _, exists := r.platforms[normalized.Platform]; exists {
			return nil, fmt.Errorf("platform %q configured twice: %w", normalized.Platform, ErrInvalidConfig)
		}
		r.platforms[normalized.Platform] = normalized
	}
	return r, nil
}

// Lookup returns the config for platform.
func (r *Registry) Lookup(platform string) (PlatformConfig, bool) {
	if r == nil {
		return PlatformConfig{}, false
	}
	cfg, ok := r.platforms[strings.ToLower(strings.TrimSpace(platform))]
	return cfg, ok
}

// HeaderName returns the header carrying the platform's signature.
func (r *Registry) HeaderName(platform string) (string, bool) {
	cfg, ok := r.Lookup(platform)
	if !ok {
		return "", false
	}
	return cfg.HeaderName, true
}

// Platforms lists the registered platform names.
func (r *Registry) Platforms() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	return names
}
