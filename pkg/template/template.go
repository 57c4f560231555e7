// Package template renders starter labvisor.toml files.
package template

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Profile selects which sections a generated config turns on.
type Profile string

const (
	ProfileDev     Profile = "dev"
	ProfileLocal   Profile = "local"
	ProfileShared  Profile = "shared"
	ProfileTeam    Profile = "team"
	ProfileHistory Profile = "history"
	ProfileFull    Profile = "full"
)

// NeedsAuth reports whether the profile turns on [auth] and so needs an
// admin password hash.
func (p Profile) NeedsAuth() bool {
	return p == ProfileShared || p == ProfileTeam || p == ProfileFull
}

// Options fill the values a profile cannot guess.
type Options struct {
	Root   string // versions directory, default "labs"
	Listen string // API address, default 127.0.0.1:4000
	// AdminUser and AdminPasswordHash seed [[auth.users]] for profiles with auth.
	AdminUser         string
	AdminPasswordHash string
	JWTSecret         string
	// HistoryDSN is the sink for profiles that record history.
	HistoryDSN string
}

// ConfigTemplate mirrors the parts of labvisor.toml a starter file sets.
type ConfigTemplate struct {
	Server      ServerSection       `toml:"server"`
	Labs        LabsSection         `toml:"labs"`
	Launch      LaunchSection       `toml:"launch"`
	Watch       WatchSection        `toml:"watch"`
	Maintenance *MaintenanceSection `toml:"maintenance,omitempty"`
	Log         LogSection          `toml:"log"`
	History     *HistorySection     `toml:"history,omitempty"`
	Metrics     *MetricsSection     `toml:"metrics,omitempty"`
	Auth        *AuthSection        `toml:"auth,omitempty"`
}

type ServerSection struct {
	Listen   string      `toml:"listen"`
	BasePath string      `toml:"base_path"`
	PIDFile  string      `toml:"pidfile,omitempty"`
	TLS      *TLSSection `toml:"tls,omitempty"`
}

type TLSSection struct {
	Enabled      bool     `toml:"enabled"`
	Dir          string   `toml:"dir"`
	AutoGenerate bool     `toml:"auto_generate"`
	Hosts        []string `toml:"hosts,omitempty"`
}

type LabsSection struct {
	Root string `toml:"root"`
}

type LaunchSection struct {
	Command      string `toml:"command"`
	BasePort     int    `toml:"base_port"`
	MaxPort      int    `toml:"max_port"`
	Readiness    string `toml:"readiness"`
	ReadyTimeout string `toml:"ready_timeout"`
}

type WatchSection struct {
	Enabled  bool   `toml:"enabled"`
	Debounce string `toml:"debounce"`
}

type MaintenanceSection struct {
	PurgeSchedule  string `toml:"purge_schedule"`
	PurgeOlderThan string `toml:"purge_older_than"`
}

type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type HistorySection struct {
	DSNs []string `toml:"dsns"`
}

type MetricsSection struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen,omitempty"`
}

type AuthSection struct {
	Enabled   bool       `toml:"enabled"`
	JWTSecret string     `toml:"jwt_secret,omitempty"`
	TokenTTL  string     `toml:"token_ttl"`
	Users     []UserSpec `toml:"users"`
}

type UserSpec struct {
	Username     string   `toml:"username"`
	PasswordHash string   `toml:"password_hash"`
	Roles        []string `toml:"roles"`
}

// Generator builds config templates.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the starter config for p.
func (g *Generator) Generate(p Profile, o Options) (*ConfigTemplate, error) {
	o = withDefaults(o)
	switch p {
	case ProfileDev, ProfileLocal:
		return g.base(o), nil
	case ProfileShared, ProfileTeam:
		return g.shared(o)
	case ProfileHistory:
		return g.history(o), nil
	case ProfileFull:
		t, err := g.shared(o)
		if err != nil {
			return nil, err
		}
		h := g.history(o)
		t.History, t.Metrics, t.Log = h.History, h.Metrics, h.Log
		return t, nil
	default:
		return nil, fmt.Errorf("unknown profile: %s (supported: %s)", p, strings.Join(g.SupportedProfiles(), ", "))
	}
}

// GenerateTOML renders the profile as a TOML document.
func (g *Generator) GenerateTOML(p Profile, o Options) ([]byte, error) {
	t, err := g.Generate(p, o)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return b, nil
}

func (g *Generator) SupportedProfiles() []string {
	return []string{string(ProfileDev), string(ProfileShared), string(ProfileHistory), string(ProfileFull)}
}

func withDefaults(o Options) Options {
	if o.Root == "" {
		o.Root = "labs"
	}
	if o.Listen == "" {
		o.Listen = "127.0.0.1:4000"
	}
	if o.AdminUser == "" {
		o.AdminUser = "admin"
	}
	if o.HistoryDSN == "" {
		o.HistoryDSN = "sqlite://labvisor-history.db"
	}
	return o
}

func (g *Generator) base(o Options) *ConfigTemplate {
	return &ConfigTemplate{
		Server: ServerSection{Listen: o.Listen, BasePath: "/api"},
		Labs:   LabsSection{Root: o.Root},
		Launch: LaunchSection{
			Command:      "npm run dev -- --port {port} --strictPort",
			BasePort:     5174,
			MaxPort:      5999,
			Readiness:    "any",
			ReadyTimeout: "30s",
		},
		Watch: WatchSection{Enabled: true, Debounce: "300ms"},
		Log:   LogSection{Level: "info", Format: "text"},
	}
}

func (g *Generator) shared(o Options) (*ConfigTemplate, error) {
	if o.AdminPasswordHash == "" {
		return nil, fmt.Errorf("profile needs an admin password hash")
	}
	t := g.base(o)
	t.Server.PIDFile = "run/labvisor.pid"
	t.Server.TLS = &TLSSection{Enabled: true, Dir: "certs", AutoGenerate: true}
	t.Maintenance = &MaintenanceSection{PurgeSchedule: "@daily", PurgeOlderThan: "720h"}
	t.Auth = &AuthSection{
		Enabled:   true,
		JWTSecret: o.JWTSecret,
		TokenTTL:  "12h",
		Users: []UserSpec{{
			Username:     o.AdminUser,
			PasswordHash: o.AdminPasswordHash,
			Roles:        []string{"admin"},
		}},
	}
	return t, nil
}

func (g *Generator) history(o Options) *ConfigTemplate {
	t := g.base(o)
	t.History = &HistorySection{DSNs: []string{o.HistoryDSN}}
	t.Metrics = &MetricsSection{Enabled: true}
	t.Log = LogSection{Level: "info", Format: "json"}
	return t
}
