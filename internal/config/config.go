// Package config loads the process-wide kiosk configuration. Values come
// from Default, then an optional YAML file, then KIOSK_* environment
// variables (KIOSK_PAYMENT_PRICE overrides payment.price). The result is
// immutable once loaded.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/iliamunaev/photo-kiosk/internal/apperr"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KIOSK"

type Config struct {
	Merchant MerchantConfig `yaml:"merchant" mapstructure:"merchant"`
	Gateway  GatewayConfig  `yaml:"gateway" mapstructure:"gateway"`
	Payment  PaymentConfig  `yaml:"payment" mapstructure:"payment"`
	Polling  PollingConfig  `yaml:"polling" mapstructure:"polling"`
	Kiosk    KioskConfig    `yaml:"kiosk" mapstructure:"kiosk"`
	Camera   CameraConfig   `yaml:"camera" mapstructure:"camera"`
	Render   RenderConfig   `yaml:"render" mapstructure:"render"`
	Weather  WeatherConfig  `yaml:"weather" mapstructure:"weather"`
	HTTP     HTTPConfig     `yaml:"http" mapstructure:"http"`
	MockPay  MockPayConfig  `yaml:"mockpay" mapstructure:"mockpay"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// MerchantConfig identifies the merchant to the payment processor.
type MerchantConfig struct {
	MchID          string `yaml:"mchid" mapstructure:"mchid"`
	AppID          string `yaml:"appid" mapstructure:"appid"`
	SerialNo       string `yaml:"serial_no" mapstructure:"serial_no"`
	PrivateKeyPath string `yaml:"private_key_path" mapstructure:"private_key_path"`
	NotifyURL      string `yaml:"notify_url" mapstructure:"notify_url"`
}

type GatewayConfig struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// PaymentConfig describes the single product the kiosk sells.
type PaymentConfig struct {
	Price       string `yaml:"price" mapstructure:"price"` // major units, e.g. "9.90"
	Currency    string `yaml:"currency" mapstructure:"currency"`
	Description string `yaml:"description" mapstructure:"description"`
}

type PollingConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type KioskConfig struct {
	Countdown     int    `yaml:"countdown" mapstructure:"countdown"`
	Workers       int    `yaml:"workers" mapstructure:"workers"`
	AllowOverride bool   `yaml:"allow_override" mapstructure:"allow_override"`
	Headline      string `yaml:"headline" mapstructure:"headline"`
}

type CameraConfig struct {
	SnapshotPath string `yaml:"snapshot_path" mapstructure:"snapshot_path"`
}

type RenderConfig struct {
	TemplatePath string  `yaml:"template_path" mapstructure:"template_path"`
	OutputDir    string  `yaml:"output_dir" mapstructure:"output_dir"`
	FontPath     string  `yaml:"font_path" mapstructure:"font_path"` // TrueType/OpenType, .ttc allowed
	FontSize     float64 `yaml:"font_size" mapstructure:"font_size"`
}

type WeatherConfig struct {
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey   string        `yaml:"api_key" mapstructure:"api_key"`
	City     string        `yaml:"city" mapstructure:"city"`
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr" mapstructure:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// MockPayConfig configures the in-process stand-in for the processor.
type MockPayConfig struct {
	Addr          string        `yaml:"addr" mapstructure:"addr"`
	AutoPayAfter  time.Duration `yaml:"auto_pay_after" mapstructure:"auto_pay_after"` // 0 disables
	CloseAfter    time.Duration `yaml:"close_after" mapstructure:"close_after"`
	RateLimit     float64       `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second
	PublicKeyPath string        `yaml:"public_key_path" mapstructure:"public_key_path"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Merchant: MerchantConfig{NotifyURL: "https://www.example.com/wxpay/callback"},
		Gateway:  GatewayConfig{BaseURL: "http://127.0.0.1:8000", RequestTimeout: 10 * time.Second},
		Payment:  PaymentConfig{Price: "9.90", Currency: "CNY", Description: "Newspaper photo"},
		Polling:  PollingConfig{Interval: 2 * time.Second, Timeout: 5 * time.Minute},
		Kiosk:    KioskConfig{Countdown: 3, Workers: 4, Headline: "Photo Daily"},
		Render: RenderConfig{
			TemplatePath: "resource/newspaper_template.png",
			OutputDir:    "out",
			FontPath:     "resource/msyh.ttc",
			FontSize:     15,
		},
		Weather: WeatherConfig{
			BaseURL:  "https://restapi.amap.com/v3/weather/weatherInfo",
			City:     "210202",
			CacheTTL: time.Hour,
		},
		HTTP:    HTTPConfig{Addr: ":8080", RequestTimeout: 30 * time.Second},
		MockPay: MockPayConfig{Addr: ":8000", CloseAfter: 2 * time.Hour, RateLimit: 20},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path (skipped when empty) and the environment on top of
// Default. It does not validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", apperr.ErrConfig, path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", apperr.ErrConfig, err)
	}
	return cfg, nil
}

// setDefaults registers every key so that environment overrides are
// seen by Unmarshal even when the file does not mention them.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"merchant.mchid":            d.Merchant.MchID,
		"merchant.appid":            d.Merchant.AppID,
		"merchant.serial_no":        d.Merchant.SerialNo,
		"merchant.private_key_path": d.Merchant.PrivateKeyPath,
		"merchant.notify_url":       d.Merchant.NotifyURL,
		"gateway.base_url":          d.Gateway.BaseURL,
		"gateway.request_timeout":   d.Gateway.RequestTimeout,
		"payment.price":             d.Payment.Price,
		"payment.currency":          d.Payment.Currency,
		"payment.description":       d.Payment.Description,
		"polling.interval":          d.Polling.Interval,
		"polling.timeout":           d.Polling.Timeout,
		"kiosk.countdown":           d.Kiosk.Countdown,
		"kiosk.workers":             d.Kiosk.Workers,
		"kiosk.allow_override":      d.Kiosk.AllowOverride,
		"kiosk.headline":            d.Kiosk.Headline,
		"camera.snapshot_path":      d.Camera.SnapshotPath,
		"render.template_path":      d.Render.TemplatePath,
		"render.output_dir":         d.Render.OutputDir,
		"render.font_path":          d.Render.FontPath,
		"render.font_size":          d.Render.FontSize,
		"weather.base_url":          d.Weather.BaseURL,
		"weather.api_key":           d.Weather.APIKey,
		"weather.city":              d.Weather.City,
		"weather.cache_ttl":         d.Weather.CacheTTL,
		"http.addr":                 d.HTTP.Addr,
		"http.request_timeout":      d.HTTP.RequestTimeout,
		"mockpay.addr":              d.MockPay.Addr,
		"mockpay.auto_pay_after":    d.MockPay.AutoPayAfter,
		"mockpay.close_after":       d.MockPay.CloseAfter,
		"mockpay.rate_limit":        d.MockPay.RateLimit,
		"mockpay.public_key_path":   d.MockPay.PublicKeyPath,
		"log.level":                 d.Log.Level,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate checks everything the kiosk needs to start. All problems are
// reported together, wrapped in apperr.ErrConfig.
func (c *Config) Validate() error {
	var errs []error
	required := []struct{ key, val string }{
		{"merchant.mchid", c.Merchant.MchID},
		{"merchant.appid", c.Merchant.AppID},
		{"merchant.serial_no", c.Merchant.SerialNo},
		{"merchant.private_key_path", c.Merchant.PrivateKeyPath},
		{"gateway.base_url", c.Gateway.BaseURL},
		{"payment.currency", c.Payment.Currency},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}
	if _, err := c.AmountMinor(); err != nil {
		errs = append(errs, err)
	}
	if c.Gateway.RequestTimeout <= 0 {
		errs = append(errs, errors.New("gateway.request_timeout must be positive"))
	}
	if c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("polling.interval must be positive"))
	}
	if c.Polling.Timeout <= 0 {
		errs = append(errs, errors.New("polling.timeout must be positive"))
	}
	if c.Kiosk.Countdown < 0 {
		errs = append(errs, errors.New("kiosk.countdown must not be negative"))
	}
	if c.Kiosk.Workers <= 0 {
		errs = append(errs, errors.New("kiosk.workers must be positive"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	return wrap(errs)
}

// ValidateMockPay checks the settings used by the mock processor only.
func (c *Config) ValidateMockPay() error {
	var errs []error
	if c.MockPay.Addr == "" {
		errs = append(errs, errors.New("mockpay.addr is required"))
	}
	if c.MockPay.AutoPayAfter < 0 {
		errs = append(errs, errors.New("mockpay.auto_pay_after must not be negative"))
	}
	if c.MockPay.CloseAfter <= 0 {
		errs = append(errs, errors.New("mockpay.close_after must be positive"))
	}
	if c.MockPay.RateLimit < 0 {
		errs = append(errs, errors.New("mockpay.rate_limit must not be negative"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	return wrap(errs)
}

func wrap(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", apperr.ErrConfig, errors.Join(errs...))
}

// AmountMinor converts payment.price to minor units (cents). Prices must
// be positive and have at most two decimal places.
func (c *Config) AmountMinor() (int64, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(c.Payment.Price))
	if err != nil {
		return 0, fmt.Errorf("payment.price %q is not a number", c.Payment.Price)
	}
	minor := price.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("payment.price %s has fractions of a cent", price)
	}
	if !minor.IsPositive() {
		return 0, fmt.Errorf("payment.price %s must be positive", price)
	}
	return minor.IntPart(), nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %v", c.Log.Level, err)
	}
	return l, nil
}

// FormatMinor renders minor units as a price string, e.g. 990 -> "9.90".
func FormatMinor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
