// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DatabaseDSNEnv overrides database.dsn when set.
const DatabaseDSNEnv = "MOSAIC_DATABASE_DSN"

// APIServerConfig configures the daemon's HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
	// PublicURL is the externally reachable root used to build object URLs.
	PublicURL      string   `yaml:"publicUrl"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// Only header and idle timeouts apply; /cells/feed connections stay open.
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	MaxUploadBytes    int64         `yaml:"maxUploadBytes"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// An empty DSN selects the in-memory store, which only dev permits.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	RunMigrations   bool          `yaml:"runMigrations"`
}

// Enabled reports whether a PostgreSQL DSN is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// RealtimeConfig sizes the change-feed hub.
type RealtimeConfig struct {
	ClientQueue   int                 `yaml:"clientQueue"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
	PingInterval  time.Duration       `yaml:"pingInterval"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
}

// GridConfig tunes grid loading and searching.
type GridConfig struct {
	LoadAttempts     int           `yaml:"loadAttempts"`
	LoadBackoff      time.Duration `yaml:"loadBackoff"`
	QueryAttempts    int           `yaml:"queryAttempts"`
	QueryBackoff     time.Duration `yaml:"queryBackoff"`
	MaxSearchRadius  int           `yaml:"maxSearchRadius"`
	PrefetchDebounce time.Duration `yaml:"prefetchDebounce"`
}

// CacheConfig locates the client-side cell cache.
type CacheConfig struct {
	Path   string        `yaml:"path"`
	HotTTL time.Duration `yaml:"hotTtl"`
}

// StorageConfig configures the daemon's object storage.
type StorageConfig struct {
	Directory string `yaml:"directory"`
	Bucket    string `yaml:"bucket"`
}

// PaymentConfig describes the payment network and the price of a cell.
type PaymentConfig struct {
	RPCURL         string        `yaml:"rpcUrl"`
	Recipient      string        `yaml:"recipient"`
	Price          string        `yaml:"price"`
	FeeMargin      string        `yaml:"feeMargin"`
	Commitment     string        `yaml:"commitment"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
}

// PriceDecimal parses Price. Validate guarantees it parses.
func (c PaymentConfig) PriceDecimal() decimal.Decimal {
	return decimal.RequireFromString(c.Price)
}

// FeeMarginDecimal parses FeeMargin. Validate guarantees it parses.
func (c PaymentConfig) FeeMarginDecimal() decimal.Decimal {
	return decimal.RequireFromString(c.FeeMargin)
}

// MintConfig configures the trusted minting endpoint and its client.
type MintConfig struct {
	// Endpoint is the mint URL used by clients. Empty means {apiServer.publicUrl}/mint.
	Endpoint string `yaml:"endpoint"`
	// Upstream is the service the daemon forwards to. Empty selects the local minter.
	Upstream    string        `yaml:"upstream"`
	Rate        float64       `yaml:"rate"`
	Burst       int           `yaml:"burst"`
	Timeout     time.Duration `yaml:"timeout"`
	ExplorerURL string        `yaml:"explorerUrl"`
}

// ClaimConfig bounds uploads and claim step timeouts.
type ClaimConfig struct {
	MinFileBytes  int           `yaml:"minFileBytes"`
	MaxFileBytes  int           `yaml:"maxFileBytes"`
	CheckTimeout  time.Duration `yaml:"checkTimeout"`
	UploadTimeout time.Duration `yaml:"uploadTimeout"`
	CommitTimeout time.Duration `yaml:"commitTimeout"`
}

// ViewportConfig tunes zoom, overlay fading and hover behaviour.
type ViewportConfig struct {
	ZoomStops      []float64     `yaml:"zoomStops"`
	MinOpacity     float64       `yaml:"minOpacity"`
	MaxOpacity     float64       `yaml:"maxOpacity"`
	HoverInterval  time.Duration `yaml:"hoverInterval"`
	HoverHideAfter time.Duration `yaml:"hoverHideAfter"`
}

// AppConfig is the unified Mosaic application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Database    DatabaseConfig  `yaml:"database"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Realtime    RealtimeConfig  `yaml:"realtime"`
	Grid        GridConfig      `yaml:"grid"`
	Cache       CacheConfig     `yaml:"cache"`
	Storage     StorageConfig   `yaml:"storage"`
	Payment     PaymentConfig   `yaml:"payment"`
	Mint        MintConfig      `yaml:"mint"`
	Claim       ClaimConfig     `yaml:"claim"`
	Viewport    ViewportConfig  `yaml:"viewport"`
}

// Default returns a normalised dev configuration.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	return decode(reader)
}

// LoadOrDefault behaves like Load but falls back to Default (with environment
// overrides) when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, err
	}
	cfg = AppConfig{Environment: EnvDev}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func decode(reader io.Reader) (AppConfig, error) {
	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	if dsn := strings.TrimSpace(os.Getenv(DatabaseDSNEnv)); dsn != "" {
		c.Database.DSN = dsn
	}
	c.Database.applyDefaults()

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	c.APIServer.PublicURL = strings.TrimRight(strings.TrimSpace(c.APIServer.PublicURL), "/")
	if c.APIServer.PublicURL == "" {
		c.APIServer.PublicURL = "http://localhost" + c.APIServer.Addr
		if !strings.HasPrefix(c.APIServer.Addr, ":") {
			c.APIServer.PublicURL = "http://" + c.APIServer.Addr
		}
	}
	origins := make([]string, 0, len(c.APIServer.AllowedOrigins))
	for _, origin := range c.APIServer.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.APIServer.AllowedOrigins = origins
	defaultDuration(&c.APIServer.ReadHeaderTimeout, 5*time.Second)
	defaultDuration(&c.APIServer.IdleTimeout, 2*time.Minute)
	if c.APIServer.MaxUploadBytes <= 0 {
		c.APIServer.MaxUploadBytes = 10 << 20
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mosaic"
	}

	if c.Realtime.ClientQueue <= 0 {
		c.Realtime.ClientQueue = 64
	}
	defaultDuration(&c.Realtime.PingInterval, 30*time.Second)
	defaultDuration(&c.Realtime.WriteTimeout, 5*time.Second)

	if c.Grid.LoadAttempts <= 0 {
		c.Grid.LoadAttempts = 3
	}
	defaultDuration(&c.Grid.LoadBackoff, 2*time.Second)
	if c.Grid.QueryAttempts <= 0 {
		c.Grid.QueryAttempts = 3
	}
	defaultDuration(&c.Grid.QueryBackoff, time.Second)
	defaultDuration(&c.Grid.PrefetchDebounce, 100*time.Millisecond)

	c.Cache.Path = strings.TrimSpace(c.Cache.Path)
	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(".mosaic", "cache")
	}
	c.Cache.Path = filepath.Clean(c.Cache.Path)
	defaultDuration(&c.Cache.HotTTL, 10*time.Minute)

	c.Storage.Directory = strings.TrimSpace(c.Storage.Directory)
	if c.Storage.Directory == "" {
		c.Storage.Directory = filepath.Join(".mosaic", "objects")
	}
	c.Storage.Directory = filepath.Clean(c.Storage.Directory)
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "pixel-images"
	}

	c.Payment.RPCURL = strings.TrimSpace(c.Payment.RPCURL)
	c.Payment.Recipient = strings.TrimSpace(c.Payment.Recipient)
	c.Payment.Price = strings.TrimSpace(c.Payment.Price)
	if c.Payment.Price == "" {
		c.Payment.Price = "0.01"
	}
	c.Payment.FeeMargin = strings.TrimSpace(c.Payment.FeeMargin)
	if c.Payment.FeeMargin == "" {
		c.Payment.FeeMargin = "0.001"
	}
	c.Payment.Commitment = strings.ToLower(strings.TrimSpace(c.Payment.Commitment))
	if c.Payment.Commitment == "" {
		c.Payment.Commitment = "confirmed"
	}
	defaultDuration(&c.Payment.PollInterval, 500*time.Millisecond)
	defaultDuration(&c.Payment.ConfirmTimeout, time.Minute)

	c.Mint.Endpoint = strings.TrimSpace(c.Mint.Endpoint)
	if c.Mint.Endpoint == "" {
		c.Mint.Endpoint = c.APIServer.PublicURL + "/mint"
	}
	c.Mint.Upstream = strings.TrimSpace(c.Mint.Upstream)
	if c.Mint.Rate <= 0 {
		c.Mint.Rate = 2
	}
	if c.Mint.Burst <= 0 {
		c.Mint.Burst = 4
	}
	defaultDuration(&c.Mint.Timeout, 60*time.Second)
	c.Mint.ExplorerURL = strings.TrimSpace(c.Mint.ExplorerURL)
	if c.Mint.ExplorerURL == "" {
		c.Mint.ExplorerURL = "https://explorer.solana.com/address/{mint}"
	}

	if c.Claim.MinFileBytes <= 0 {
		c.Claim.MinFileBytes = 1 << 10
	}
	if c.Claim.MaxFileBytes <= 0 {
		c.Claim.MaxFileBytes = 10 << 20
	}
	defaultDuration(&c.Claim.CheckTimeout, 10*time.Second)
	defaultDuration(&c.Claim.UploadTimeout, 60*time.Second)
	defaultDuration(&c.Claim.CommitTimeout, 30*time.Second)

	if len(c.Viewport.ZoomStops) == 0 {
		c.Viewport.ZoomStops = []float64{1, 3, 6, 12}
	}
	if c.Viewport.MinOpacity == 0 && c.Viewport.MaxOpacity == 0 {
		c.Viewport.MinOpacity, c.Viewport.MaxOpacity = 0.15, 1
	}
	defaultDuration(&c.Viewport.HoverInterval, 16*time.Millisecond)
	defaultDuration(&c.Viewport.HoverHideAfter, 500*time.Millisecond)

	return nil
}

func defaultDuration(target *time.Duration, fallback time.Duration) {
	if *target <= 0 {
		*target = fallback
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if err := requireHTTPURL(c.APIServer.PublicURL); err != nil {
		return fmt.Errorf("apiServer publicUrl: %w", err)
	}

	if c.Environment != EnvDev && !c.Database.Enabled() {
		return fmt.Errorf("database dsn required outside dev (set %s)", DatabaseDSNEnv)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if c.Realtime.FanoutWorkers.Count() <= 0 {
		return fmt.Errorf("realtime fanoutWorkers must be >0")
	}

	price, err := decimal.NewFromString(c.Payment.Price)
	if err != nil || !price.IsPositive() {
		return fmt.Errorf("payment price must be a positive decimal")
	}
	margin, err := decimal.NewFromString(c.Payment.FeeMargin)
	if err != nil || margin.IsNegative() {
		return fmt.Errorf("payment feeMargin must be a non-negative decimal")
	}
	switch c.Payment.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("payment commitment must be one of processed, confirmed, finalized")
	}
	if c.Payment.RPCURL != "" {
		if err := requireHTTPURL(c.Payment.RPCURL); err != nil {
			return fmt.Errorf("payment rpcUrl: %w", err)
		}
	}

	if err := requireHTTPURL(c.Mint.Endpoint); err != nil {
		return fmt.Errorf("mint endpoint: %w", err)
	}
	if c.Mint.Upstream != "" {
		if err := requireHTTPURL(c.Mint.Upstream); err != nil {
			return fmt.Errorf("mint upstream: %w", err)
		}
	}
	if !strings.Contains(c.Mint.ExplorerURL, "{mint}") {
		return fmt.Errorf("mint explorerUrl must contain {mint}")
	}

	if c.Claim.MinFileBytes > c.Claim.MaxFileBytes {
		return fmt.Errorf("claim minFileBytes must be <= maxFileBytes")
	}
	if int64(c.Claim.MaxFileBytes) > c.APIServer.MaxUploadBytes {
		return fmt.Errorf("claim maxFileBytes exceeds apiServer maxUploadBytes")
	}

	for i := 1; i < len(c.Viewport.ZoomStops); i++ {
		if c.Viewport.ZoomStops[i] <= c.Viewport.ZoomStops[i-1] {
			return fmt.Errorf("viewport zoomStops must be strictly ascending")
		}
	}
	if c.Viewport.ZoomStops[0] <= 0 {
		return fmt.Errorf("viewport zoomStops must be positive")
	}
	if c.Viewport.MinOpacity < 0 || c.Viewport.MaxOpacity > 1 || c.Viewport.MinOpacity > c.Viewport.MaxOpacity {
		return fmt.Errorf("viewport opacity bounds must satisfy 0 <= min <= max <= 1")
	}

	return nil
}

func requireHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("host required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
