package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Site
	SiteURL     string `env:"SITE_URL,required,notEmpty"`
	DisplayName string `env:"DISPLAY_NAME"`

	// Admin API のBasic認証（user:pass,user2:pass2）
	AdminCreds map[string]string `env:"ADMIN_CREDS,required,notEmpty" envSeparator:"," envKeyValSeparator:":"`

	// Handshake
	HandshakeTimeout      time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"20s"`
	HandshakeMaxRedirects int           `env:"HANDSHAKE_MAX_REDIRECTS" envDefault:"5"`

	// Fetch
	FetchTimeout       time.Duration `env:"FETCH_TIMEOUT" envDefault:"20s"`
	FetchMaxSize       int64         `env:"FETCH_MAX_SIZE" envDefault:"5242880"`
	FetchMaxConcurrent int           `env:"FETCH_MAX_CONCURRENT" envDefault:"4"`
	FetchInterval      time.Duration `env:"FETCH_INTERVAL" envDefault:"30m"`

	// Rate Limit（req/min/IP）
	RateLimitGeneral       int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitFriendRequest int `env:"RATE_LIMIT_FRIEND_REQUEST" envDefault:"10"`

	// Cache
	CacheRetentionDays int `env:"CACHE_RETENTION_DAYS" envDefault:"180"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	u, err := url.Parse(c.SiteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("SITE_URL must be an absolute http(s) URL: %q", c.SiteURL))
	}
	if len(c.AdminCreds) == 0 {
		errs = append(errs, errors.New("ADMIN_CREDS must contain at least one user:pass pair"))
	}
	for user, pass := range c.AdminCreds {
		if user == "" || pass == "" {
			errs = append(errs, errors.New("ADMIN_CREDS contains an empty user or password"))
			break
		}
	}
	for name, v := range map[string]int{
		"FETCH_MAX_CONCURRENT":      c.FetchMaxConcurrent,
		"RATE_LIMIT_GENERAL":        c.RateLimitGeneral,
		"RATE_LIMIT_FRIEND_REQUEST": c.RateLimitFriendRequest,
		"CACHE_RETENTION_DAYS":      c.CacheRetentionDays,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.FetchTimeout <= 0 || c.HandshakeTimeout <= 0 || c.FetchInterval <= 0 {
		errs = append(errs, errors.New("timeouts and FETCH_INTERVAL must be positive"))
	}
	if c.HandshakeMaxRedirects < 0 {
		errs = append(errs, errors.New("HANDSHAKE_MAX_REDIRECTS must not be negative"))
	}
	if c.FetchMaxSize <= 0 {
		errs = append(errs, errors.New("FETCH_MAX_SIZE must be positive"))
	}

	return errors.Join(errs...)
}
