// Package config holds the exchange's immutable runtime configuration.
// All values are fixed at startup; there is no file-based configuration
// layer, only flag overrides in cmd/exchange.
package config

import "time"

// Config is constructed once at startup in cmd/exchange and passed down by
// value; nothing below mutates it afterward.
type Config struct {
	Symbol string

	RoundDurationSeconds int
	TotalRounds          int

	StartingCapital       float64
	InitialMarginRate     float64
	MaintenanceMarginRate float64
	LiquidationCooldownMs int

	BookDepth int

	// FallbackMarkPrice is used when no bid, ask, or last-trade price is
	// available yet (cold start).
	FallbackMarkPrice float64

	GatewayAddr string
	StreamAddr  string
}

// Default returns the standard tournament configuration.
func Default() Config {
	return Config{
		Symbol:                "ARENA",
		RoundDurationSeconds:  300,
		TotalRounds:           5,
		StartingCapital:       10000,
		InitialMarginRate:     0.20,
		MaintenanceMarginRate: 0.10,
		LiquidationCooldownMs: 500,
		BookDepth:             10,
		FallbackMarkPrice:     100,
		GatewayAddr:           "0.0.0.0:9001",
		StreamAddr:            "0.0.0.0:9002",
	}
}

// LiquidationCooldown is LiquidationCooldownMs as a time.Duration.
func (c Config) LiquidationCooldown() time.Duration {
	return time.Duration(c.LiquidationCooldownMs) * time.Millisecond
}

// RoundDuration is RoundDurationSeconds as a time.Duration.
func (c Config) RoundDuration() time.Duration {
	return time.Duration(c.RoundDurationSeconds) * time.Second
}
