// Package config owns daemon configuration: listener addresses, frame
// pacing, and the relay operation policy.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Name        string
	ListenAddr  string
	AdminAddr   string
	AdminToken  string
	CorsOrigins []string

	WarmupFrames  int
	FrameEndWait  time.Duration
	FrameInterval time.Duration

	ModeSetterOp  string
	TargetedOps   []string
	SuppressedOps []string

	MaxPayloadBytes int64
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:            "relayctl",
		ListenAddr:      ":9400",
		AdminAddr:       ":9401",
		WarmupFrames:    3,
		FrameEndWait:    5 * time.Second,
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

type fileConfig struct {
	Name            string   `toml:"name"`
	ListenAddr      string   `toml:"listen_addr"`
	AdminAddr       string   `toml:"admin_addr"`
	AdminToken      string   `toml:"admin_token"`
	CorsOrigins     []string `toml:"cors_origins"`
	WarmupFrames    int      `toml:"warmup_frames"`
	FrameEndWait    string   `toml:"frame_end_wait"`
	FrameInterval   string   `toml:"frame_interval"`
	ModeSetterOp    string   `toml:"mode_setter_op"`
	TargetedOps     []string `toml:"targeted_ops"`
	SuppressedOps   []string `toml:"suppressed_ops"`
	MaxPayloadBytes int64    `toml:"max_payload_bytes"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load relayctl config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("warmup_frames") {
		cfg.WarmupFrames = raw.WarmupFrames
	}
	if meta.IsDefined("frame_end_wait") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.FrameEndWait))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("parse frame_end_wait: %w", err)
		}
		cfg.FrameEndWait = d
	}
	if meta.IsDefined("frame_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.FrameInterval))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("parse frame_interval: %w", err)
		}
		cfg.FrameInterval = d
	}
	if meta.IsDefined("mode_setter_op") {
		cfg.ModeSetterOp = strings.TrimSpace(raw.ModeSetterOp)
	}
	if meta.IsDefined("targeted_ops") {
		cfg.TargetedOps = normalizeList(raw.TargetedOps)
	}
	if meta.IsDefined("suppressed_ops") {
		cfg.SuppressedOps = normalizeList(raw.SuppressedOps)
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("relayctl config missing name")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("relayctl config missing listen_addr")
	}
	if cfg.WarmupFrames < 0 {
		return fmt.Errorf("relayctl config warmup_frames must not be negative")
	}
	if cfg.FrameEndWait < 0 {
		return fmt.Errorf("relayctl config frame_end_wait must not be negative")
	}
	if cfg.MaxPayloadBytes <= 0 {
		return fmt.Errorf("relayctl config max_payload_bytes must be positive")
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
