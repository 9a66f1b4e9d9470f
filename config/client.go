package config

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// Default client configuration values
const (
	DefaultServerURL          = "ws://localhost:8080/ws/signal"
	DefaultSTUN               = "stun:stun.l.google.com:19302"
	DefaultNegotiationTimeout = 15 * time.Second
)

// ClientConfig holds the reference client's configuration
type ClientConfig struct {
	ServerURL          string
	Token              string
	STUNServer         string
	TURNServer         string
	TURNUser           string
	TURNPass           string
	NegotiationTimeout time.Duration
}

// ClientOptions carries CLI flag overrides
type ClientOptions struct {
	ServerURL          string
	Token              string
	STUNServer         string
	TURNServer         string
	TURNUser           string
	TURNPass           string
	NegotiationTimeout time.Duration
}

// LoadClient reads configuration with the following priority:
// 1. CLI flags (passed via ClientOptions)
// 2. Environment variables
// 3. Defaults
func LoadClient(opts ClientOptions) (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:  pick(opts.ServerURL, "SERVER_URL", DefaultServerURL),
		Token:      pick(opts.Token, "TOKEN", ""),
		STUNServer: pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer: pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:   pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:   pick(opts.TURNPass, "TURN_PASSWORD", ""),
	}

	cfg.NegotiationTimeout = opts.NegotiationTimeout
	if cfg.NegotiationTimeout <= 0 {
		d, err := getEnvDuration("NEGOTIATION_TIMEOUT", DefaultNegotiationTimeout)
		if err != nil {
			return nil, err
		}
		cfg.NegotiationTimeout = d
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server URL must use ws or wss, got %q", u.Scheme)
	}
	return cfg, nil
}

// HTTPBaseURL returns the http(s) origin of the signaling server
func (c *ClientConfig) HTTPBaseURL() string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}

// GetSTUNServers returns STUN server URLs
func (c *ClientConfig) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *ClientConfig) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
	}
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}
