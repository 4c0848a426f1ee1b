package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Cron    CronConfig    `mapstructure:"cron"`
	Plan    PlanConfig    `mapstructure:"plan"`
	Sweep   SweepConfig   `mapstructure:"sweep"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Booking BookingConfig `mapstructure:"booking"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	Currency string `mapstructure:"currency"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sweep   string `mapstructure:"sweep"`
}

// PlanConfig is the tenant installment policy. It is read once per
// evaluation and passed whole into the schedule calculator and the plan
// factory; individual flags are never read inline at call sites.
type PlanConfig struct {
	Enabled                bool   `mapstructure:"enabled"`
	MinDaysForWeekly       int    `mapstructure:"min_days_for_weekly"`
	MinDaysForMonthly      int    `mapstructure:"min_days_for_monthly"`
	MaxInstallmentsWeekly  int    `mapstructure:"max_installments_weekly"`
	MaxInstallmentsMonthly int    `mapstructure:"max_installments_monthly"`
	ChargeFirstUpfront     bool   `mapstructure:"charge_first_upfront"`
	WhatGetsSplit          string `mapstructure:"what_gets_split"`
	GracePeriodDays        int    `mapstructure:"grace_period_days"`
	MaxRetryAttempts       int    `mapstructure:"max_retry_attempts"`
	RetryIntervalDays      int    `mapstructure:"retry_interval_days"`
}

type SweepConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type GatewayConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BookingConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.currency", "USD")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.sweep", "@every 5m")
	v.SetDefault("plan.enabled", true)
	v.SetDefault("plan.min_days_for_weekly", 14)
	v.SetDefault("plan.min_days_for_monthly", 60)
	v.SetDefault("plan.max_installments_weekly", 6)
	v.SetDefault("plan.max_installments_monthly", 6)
	v.SetDefault("plan.charge_first_upfront", true)
	v.SetDefault("plan.what_gets_split", "rental_only")
	v.SetDefault("plan.grace_period_days", 3)
	v.SetDefault("plan.max_retry_attempts", 3)
	v.SetDefault("plan.retry_interval_days", 1)
	v.SetDefault("sweep.batch_size", 200)
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.timeout", "15s")
	v.SetDefault("booking.base_url", "")
	v.SetDefault("booking.timeout", "10s")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.timeout", "3s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
