package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarathsp06/orderhook/internal/signature"
)

func newRegistry(t *testing.T) *signature.Registry {
	t.Helper()
	registry, err := signature.NewRegistry(
		signature.PlatformConfig{
			Platform:   "swiggy",
			SecretKey:  "swiggy-secret",
			HeaderName: "X-Swiggy-Signature",
			Algorithm:  signature.AlgorithmHMACSHA256,
		},
		signature.PlatformConfig{
			Platform:   "zomato",
			SecretKey:  "zomato-secret",
			HeaderName: "X-Zomato-Signature",
			Algorithm:  signature.AlgorithmHMACSHA512,
			Encoding:   signature.EncodingBase64,
		},
		signature.PlatformConfig{
			Platform:  "ubereats",
			SecretKey: "uber-secret",
			Algorithm: signature.AlgorithmHMACSHA1,
			Prefix:    "sha1=",
		},
	)
	require.NoError(t, err)
	return registry
}

func TestVerify(t *testing.T) {
	registry := newRegistry(t)
	verifier := signature.NewVerifier(registry)
	payload := []byte(`{"order_id":"ORD-1","event_type":"order-accepted"}`)

	t.Run("valid signature for every platform", func(t *testing.T) {
		for _, platform := range []string{"swiggy", "zomato", "ubereats"} {
			cfg, ok := registry.Lookup(platform)
			require.True(t, ok)
			sig, err := signature.Sign(cfg, payload)
			require.NoError(t, err)
			assert.True(t, verifier.Verify(platform, payload, sig), platform)
		}
	})

	t.Run("matches an independently computed hmac", func(t *testing.T) {
		mac := hmac.New(sha256.New, []byte("swiggy-secret"))
		mac.Write(payload)
		assert.True(t, verifier.Verify("swiggy", payload, hex.EncodeToString(mac.Sum(nil))))
	})

	t.Run("platform lookup is case insensitive", func(t *testing.T) {
		cfg, _ := registry.Lookup("swiggy")
		sig, err := signature.Sign(cfg, payload)
		require.NoError(t, err)
		assert.True(t, verifier.Verify(" Swiggy ", payload, sig))
	})

	t.Run("any single byte mutation fails", func(t *testing.T) {
		cfg, _ := registry.Lookup("swiggy")
		sig, err := signature.Sign(cfg, payload)
		require.NoError(t, err)
		for i := range payload {
			mutated := append([]byte(nil), payload...)
			mutated[i] ^= 0x01
			assert.False(t, verifier.Verify("swiggy", mutated, sig), "mutation at byte %d", i)
		}
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		cfg, _ := registry.Lookup("swiggy")
		cfg.SecretKey = "not-the-secret"
		sig, err := signature.Sign(cfg, payload)
		require.NoError(t, err)
		assert.False(t, verifier.Verify("swiggy", payload, sig))
	})

	t.Run("unknown platform fails closed", func(t *testing.T) {
		cfg, _ := registry.Lookup("swiggy")
		sig, err := signature.Sign(cfg, payload)
		require.NoError(t, err)
		assert.False(t, verifier.Verify("dunzo", payload, sig))
	})

	t.Run("malformed or missing signatures fail", func(t *testing.T) {
		assert.False(t, verifier.Verify("swiggy", payload, ""))
		assert.False(t, verifier.Verify("swiggy", payload, "zz-not-hex"))
		assert.False(t, verifier.Verify("zomato", payload, "%%%"))
	})

	t.Run("prefix is required when configured", func(t *testing.T) {
		cfg, _ := registry.Lookup("ubereats")
		sig, err := signature.Sign(cfg, payload)
		require.NoError(t, err)
		assert.Contains(t, sig, "sha1=")
		assert.False(t, verifier.Verify("ubereats", payload, sig[len("sha1="):]))
	})
}

func TestNewRegistry(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		registry, err := signature.NewRegistry(signature.PlatformConfig{Platform: "Swiggy", SecretKey: "s"})
		require.NoError(t, err)

		cfg, ok := registry.Lookup("swiggy")
		require.True(t, ok)
		assert.Equal(t, signature.AlgorithmHMACSHA256, cfg.Algorithm)
		assert.Equal(t, signature.EncodingHex, cfg.Encoding)
		assert.Equal(t, signature.DefaultHeaderName, cfg.HeaderName)

		header, ok := registry.HeaderName("swiggy")
		require.True(t, ok)
		assert.Equal(t, signature.DefaultHeaderName, header)
	})

	tests := []struct {
		name    string
		configs []signature.PlatformConfig
	}{
		{"missing platform", []signature.PlatformConfig{{SecretKey: "s"}}},
		{"missing secret", []signature.PlatformConfig{{Platform: "swiggy"}}},
		{"unknown algorithm", []signature.PlatformConfig{{Platform: "swiggy", SecretKey: "s", Algorithm: "md5"}}},
		{"unknown encoding", []signature.PlatformConfig{{Platform: "swiggy", SecretKey: "s", Encoding: "base32"}}},
		{"duplicate platform", []signature.PlatformConfig{
			{Platform: "swiggy", SecretKey: "a"},
			{Platform: "SWIGGY", SecretKey: "b"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signature.NewRegistry(tt.configs...)
			assert.ErrorIs(t, err, signature.ErrInvalidConfig)
		})
	}
}
