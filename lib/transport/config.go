/*
Copyright 2024 The Shellway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport implements the Transport Manager (§4.1): establishing
// and authenticating SSH sessions, negotiating host-key trust, and tracking
// health until disconnect or an unexpected drop hands the connection to the
// Reconnect Controller.
package transport

import (
	"time"

	"github.com/shellway/supervisor/lib/errs"
)

// ProxyKind selects how the Transport Manager reaches the SSH server.
type ProxyKind string

const (
	ProxyNone        ProxyKind = "none"
	ProxySOCKS4      ProxyKind = "socks4"
	ProxySOCKS5      ProxyKind = "socks5"
	ProxyHTTPConnect ProxyKind = "http-connect"
)

// ProxyConfig describes an upstream proxy to dial through before the SSH
// handshake (§4.1 step 1).
type ProxyConfig struct {
	Kind     ProxyKind
	Address  string
	Username string
	Password string
}

// AuthConfig describes one or more SSH authentication methods to try, in
// the order the server advertises intersected with InitialMethod first
// (§4.1 step 5).
type AuthConfig struct {
	InitialMethod  string // "publickey" | "password" | "keyboard-interactive" | "agent" | "none"
	Password       string
	PrivateKeyPath string
	PrivateKeyData []byte
	Passphrase     string
	Agent          bool
}

// AlgorithmOverrides lets a config pin SSH algorithm preferences; empty
// slices fall back to the library defaults (§4.1 step 3).
type AlgorithmOverrides struct {
	Ciphers           []string
	KeyExchanges      []string
	MACs              []string
	HostKeyAlgorithms []string
}

// Config is one Transport's connection configuration snapshot.
type Config struct {
	Host     string
	Port     int
	Username string
	Auth     AuthConfig
	Proxy    ProxyConfig
	Overrides AlgorithmOverrides

	TerminalType         string
	ShellCommand         string
	EnvironmentVariables map[string]string

	ConnectTimeout      time.Duration
	KeepAliveInterval   time.Duration
	KeepAliveMaxMissed  int
	LatencyWindow       int
}

// CheckAndSetDefaults validates c and fills in defaults, the way every
// Config in this codebase does.
func (c *Config) CheckAndSetDefaults() error {
	if c.Host == "" {
		return errs.New(errs.InvalidArgument, "missing host")
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Username == "" {
		return errs.New(errs.InvalidArgument, "missing username")
	}
	if c.Proxy.Kind == "" {
		c.Proxy.Kind = ProxyNone
	}
	if c.TerminalType == "" {
		c.TerminalType = "xterm-256color"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.KeepAliveMaxMissed <= 0 {
		c.KeepAliveMaxMissed = 3
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = 60
	}
	if c.Auth.InitialMethod == "" {
		c.Auth.InitialMethod = "publickey"
	}
	return nil
}
