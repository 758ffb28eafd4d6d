// Package config loads the JSON configuration file for the companion
// service and the simulation server, filling in defaults for anything the
// file leaves out.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ServerConfig locates the simulation endpoint the link layer dials.
type ServerConfig struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Addr returns the host:port dial string.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// APIConfig configures the HTTP/WebSocket monitor surface.
type APIConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// LinkConfig tunes the per-sensor connection behaviour.
type LinkConfig struct {
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"`
	HistorySize         int `json:"history_size"`
}

// HandshakeTimeout returns the configured handshake wait as a duration.
func (l LinkConfig) HandshakeTimeout() time.Duration {
	return time.Duration(l.HandshakeTimeoutSec) * time.Second
}

// SimConfig configures the simulation server binary.
type SimConfig struct {
	ListenAddr        string   `json:"listen_addr"`
	Pins              []string `json:"pins"`
	SampleIntervalMs  int      `json:"sample_interval_ms"`
}

// SampleInterval returns the configured streaming cadence.
func (s SimConfig) SampleInterval() time.Duration {
	return time.Duration(s.SampleIntervalMs) * time.Millisecond
}

// Config is the root configuration document.
type Config struct {
	Server ServerConfig `json:"server"`
	API    APIConfig    `json:"api"`
	Link   LinkConfig   `json:"link"`
	Sim    SimConfig    `json:"sim"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: "localhost", Port: 8080},
		API:    APIConfig{ListenAddr: ":8090"},
		Link: LinkConfig{
			HandshakeTimeoutSec: 10,
			HistorySize:         100,
		},
		Sim: SimConfig{
			ListenAddr:       ":8080",
			Pins:             []string{"1234"},
			SampleIntervalMs: 250,
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
