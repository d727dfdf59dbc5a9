// Package kv constructs Kilovolt clients.
package kv

import (
	kilovolt "github.com/strimertul/kilovolt-client-go"
	"github.com/strimertul/kilovolt-client-go/internal/client"
	"github.com/strimertul/kilovolt-client-go/internal/websocket"
)

type Config = client.Config
type RateLimitConfig = websocket.RateLimitConfig

// New creates a Kilovolt client for the configured server. The client is
// idle until Connect is called.
//
// Example:
//
//	client := kv.New(kv.DefaultConfig("ws://localhost:4337/ws"))
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
func New(cfg *Config) kilovolt.Client {
	return client.New(cfg)
}

// DefaultConfig returns a configuration with sane defaults for the given
// server URL.
func DefaultConfig(url string) *Config {
	return client.DefaultConfig(url)
}

// DefaultRateLimitConfig returns the default outgoing rate limit
// configuration (100 commands per second, burst 200).
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
