/*
Copyright 2024 Blnk Finance Authors.

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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

const (
	DEFAULT_PORT            = "5001"
	DEFAULT_MONITORING_PORT = "5004"
	DEFAULT_XRPL_NODE       = "wss://xrplcluster.com"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"WALDO_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"WALDO_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"WALDO_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"WALDO_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"WALDO_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"WALDO_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns             string        `json:"dns" envconfig:"WALDO_DATA_SOURCE_DNS"`
	MaxOpenConns    int           `json:"max_open_conns" envconfig:"WALDO_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" envconfig:"WALDO_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" envconfig:"WALDO_DATA_SOURCE_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" envconfig:"WALDO_DATA_SOURCE_CONN_MAX_IDLE_TIME"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"WALDO_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"WALDO_REDIS_SKIP_TLS_VERIFY"`
}

type XRPLConfig struct {
	Node              string  `json:"node" envconfig:"WALDO_XRPL_NODE"`
	RequestTimeoutSec int     `json:"request_timeout_sec" envconfig:"WALDO_XRPL_REQUEST_TIMEOUT_SEC"`
	RequestsPerSecond float64 `json:"requests_per_second" envconfig:"WALDO_XRPL_REQUESTS_PER_SECOND"`
	MaxReconnectSec   int     `json:"max_reconnect_sec" envconfig:"WALDO_XRPL_MAX_RECONNECT_SEC"`
	PingIntervalSec   int     `json:"ping_interval_sec" envconfig:"WALDO_XRPL_PING_INTERVAL_SEC"`
}

// BonusTier is a single threshold-indexed bonus rate.
type BonusTier struct {
	MinAmount decimal.Decimal `json:"min_amount"`
	BonusRate decimal.Decimal `json:"bonus_rate"`
}

// BonusTiers decodes from either a JSON array in the config file or the
// WALDO_DISTRIBUTOR_BONUS_TIERS variable in the form "2000:0.25,1000:0.20".
type BonusTiers []BonusTier

// Decode implements envconfig.Decoder.
func (b *BonusTiers) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var tiers BonusTiers
	for _, pair := range strings.Split(value, ",") {
		parts := strings.Split(strings.TrimSpace(pair), ":")
		if len(parts) != 2 {
			return fmt.Errorf("invalid bonus tier %q, expected min_amount:bonus_rate", pair)
		}
		minAmount, err := decimal.NewFromString(strings.TrimSpace(parts[0]))
		if err != nil {
			return fmt.Errorf("invalid bonus tier amount %q: %w", parts[0], err)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			return fmt.Errorf("invalid bonus tier rate %q: %w", parts[1], err)
		}
		tiers = append(tiers, BonusTier{MinAmount: minAmount, BonusRate: rate})
	}
	*b = tiers
	return nil
}

type DistributorConfig struct {
	WatchedAccount       string          `json:"watched_account" envconfig:"WALDO_DISTRIBUTOR_WALLET"`
	SigningSeed          string          `json:"signing_seed" envconfig:"WALDO_DISTRIBUTOR_SECRET"`
	TokenCode            string          `json:"token_code" envconfig:"WALDO_TOKEN_CODE"`
	TokenIssuer          string          `json:"token_issuer" envconfig:"WALDO_TOKEN_ISSUER"`
	MinimumAmount        decimal.Decimal `json:"minimum_amount" envconfig:"WALDO_DISTRIBUTOR_MINIMUM_AMOUNT"`
	BaseConversionRate   decimal.Decimal `json:"base_conversion_rate" envconfig:"WALDO_DISTRIBUTOR_BASE_CONVERSION_RATE"`
	BonusTiers           BonusTiers      `json:"bonus_tiers" envconfig:"WALDO_DISTRIBUTOR_BONUS_TIERS"`
	MaxAttempts          int             `json:"max_attempts" envconfig:"WALDO_DISTRIBUTOR_MAX_ATTEMPTS"`
	RetryBackoffSec      int             `json:"retry_backoff_sec" envconfig:"WALDO_DISTRIBUTOR_RETRY_BACKOFF_SEC"`
	MaxRetryBackoffSec   int             `json:"max_retry_backoff_sec" envconfig:"WALDO_DISTRIBUTOR_MAX_RETRY_BACKOFF_SEC"`
	FinalityTimeoutSec   int             `json:"finality_timeout_sec" envconfig:"WALDO_DISTRIBUTOR_FINALITY_TIMEOUT_SEC"`
	LedgerOffset         uint32          `json:"ledger_offset" envconfig:"WALDO_DISTRIBUTOR_LEDGER_OFFSET"`
	MaxFeeDrops          int64           `json:"max_fee_drops" envconfig:"WALDO_DISTRIBUTOR_MAX_FEE_DROPS"`
	Workers              int             `json:"workers" envconfig:"WALDO_DISTRIBUTOR_WORKERS"`
	ShutdownGraceSec     int             `json:"shutdown_grace_sec" envconfig:"WALDO_DISTRIBUTOR_SHUTDOWN_GRACE_SEC"`
	StaleClaimSec        int             `json:"stale_claim_sec" envconfig:"WALDO_DISTRIBUTOR_STALE_CLAIM_SEC"`
	ReconcileIntervalSec int             `json:"reconcile_interval_sec" envconfig:"WALDO_DISTRIBUTOR_RECONCILE_INTERVAL_SEC"`
	EligibilityCacheSec  int             `json:"eligibility_cache_sec" envconfig:"WALDO_DISTRIBUTOR_ELIGIBILITY_CACHE_SEC"`
	EligibilityRetries   int             `json:"eligibility_retries" envconfig:"WALDO_DISTRIBUTOR_ELIGIBILITY_RETRIES"`
	StatusFeedSize       int64           `json:"status_feed_size" envconfig:"WALDO_DISTRIBUTOR_STATUS_FEED_SIZE"`
}

type QueueConfig struct {
	PaymentQueue   string `json:"payment_queue" envconfig:"WALDO_QUEUE_PAYMENT_QUEUE"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"WALDO_QUEUE_WEBHOOK_QUEUE"`
	MonitoringPort string `json:"monitoring_port" envconfig:"WALDO_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"WALDO_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"WALDO_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"WALDO_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"WALDO_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"WALDO_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string            `json:"project_name" envconfig:"WALDO_PROJECT_NAME"`
	EnableTelemetry bool              `json:"enable_telemetry" envconfig:"WALDO_ENABLE_TELEMETRY"`
	PostHogKey      string            `json:"posthog_key" envconfig:"WALDO_POSTHOG_KEY"`
	Server          ServerConfig      `json:"server"`
	DataSource      DataSourceConfig  `json:"data_source"`
	Redis           RedisConfig       `json:"redis"`
	XRPL            XRPLConfig        `json:"xrpl"`
	Distributor     DistributorConfig `json:"distributor"`
	Queue           QueueConfig       `json:"queue"`
	Notification    Notification      `json:"notification"`
	RateLimit       RateLimitConfig   `json:"rate_limit"`
}

// DefaultBonusTiers mirrors the presale tier table published to buyers.
func DefaultBonusTiers() BonusTiers {
	return BonusTiers{
		{MinAmount: decimal.NewFromInt(2000), BonusRate: decimal.RequireFromString("0.25")},
		{MinAmount: decimal.NewFromInt(1000), BonusRate: decimal.RequireFromString("0.20")},
		{MinAmount: decimal.NewFromInt(500), BonusRate: decimal.RequireFromString("0.15")},
		{MinAmount: decimal.NewFromInt(250), BonusRate: decimal.RequireFromString("0.10")},
		{MinAmount: decimal.NewFromInt(100), BonusRate: decimal.RequireFromString("0.05")},
	}
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("waldo", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called waldo.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Waldo Distributor"
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.XRPL.Node = strings.TrimSpace(cnf.XRPL.Node)
	cnf.Distributor.WatchedAccount = strings.TrimSpace(cnf.Distributor.WatchedAccount)
	cnf.Distributor.TokenIssuer = strings.TrimSpace(cnf.Distributor.TokenIssuer)
	cnf.Distributor.TokenCode = strings.TrimSpace(cnf.Distributor.TokenCode)

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setDataSourceDefaults()
	cnf.setXRPLDefaults()
	cnf.setDistributorDefaults()
	cnf.setQueueDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		cnf.RateLimit.Burst = ptr.Int(2 * int(*cnf.RateLimit.RequestsPerSecond))
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		cnf.RateLimit.RequestsPerSecond = ptr.Float64(float64(*cnf.RateLimit.Burst) / 2)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		cnf.RateLimit.CleanupIntervalSec = ptr.Int(10800) // 3 hours in seconds
	}

	return cnf.Distributor.validate()
}

func (cnf *Configuration) setDataSourceDefaults() {
	if cnf.DataSource.MaxOpenConns <= 0 {
		cnf.DataSource.MaxOpenConns = 25
	}
	if cnf.DataSource.MaxIdleConns <= 0 {
		cnf.DataSource.MaxIdleConns = 10
	}
	if cnf.DataSource.ConnMaxLifetime <= 0 {
		cnf.DataSource.ConnMaxLifetime = 30 * time.Minute
	}
	if cnf.DataSource.ConnMaxIdleTime <= 0 {
		cnf.DataSource.ConnMaxIdleTime = 5 * time.Minute
	}
}

func (cnf *Configuration) setXRPLDefaults() {
	if cnf.XRPL.Node == "" {
		cnf.XRPL.Node = DEFAULT_XRPL_NODE
		log.Printf("Warning: XRPL node not specified in config. Setting default node: %s", DEFAULT_XRPL_NODE)
	}
	if cnf.XRPL.RequestTimeoutSec <= 0 {
		cnf.XRPL.RequestTimeoutSec = 10
	}
	if cnf.XRPL.RequestsPerSecond <= 0 {
		cnf.XRPL.RequestsPerSecond = 10
	}
	if cnf.XRPL.MaxReconnectSec <= 0 {
		cnf.XRPL.MaxReconnectSec = 60
	}
	if cnf.XRPL.PingIntervalSec <= 0 {
		cnf.XRPL.PingIntervalSec = 30
	}
}

func (cnf *Configuration) setDistributorDefaults() {
	d := &cnf.Distributor
	if d.TokenCode == "" {
		d.TokenCode = "WLO"
	}
	if d.MinimumAmount.IsZero() {
		d.MinimumAmount = decimal.NewFromInt(10)
	}
	if d.BaseConversionRate.IsZero() {
		d.BaseConversionRate = decimal.NewFromInt(1000)
	}
	if len(d.BonusTiers) == 0 {
		d.BonusTiers = DefaultBonusTiers()
	}
	sort.SliceStable(d.BonusTiers, func(i, j int) bool {
		return d.BonusTiers[i].MinAmount.GreaterThan(d.BonusTiers[j].MinAmount)
	})
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 5
	}
	if d.RetryBackoffSec <= 0 {
		d.RetryBackoffSec = 5
	}
	if d.MaxRetryBackoffSec <= 0 {
		d.MaxRetryBackoffSec = 300
	}
	if d.FinalityTimeoutSec <= 0 {
		d.FinalityTimeoutSec = 60
	}
	if d.LedgerOffset == 0 {
		d.LedgerOffset = 20
	}
	if d.MaxFeeDrops <= 0 {
		d.MaxFeeDrops = 1000
	}
	if d.Workers <= 0 {
		d.Workers = 10
	}
	if d.ShutdownGraceSec <= 0 {
		d.ShutdownGraceSec = 30
	}
	if d.StaleClaimSec <= 0 {
		d.StaleClaimSec = 300
	}
	if d.ReconcileIntervalSec <= 0 {
		d.ReconcileIntervalSec = 60
	}
	if d.EligibilityRetries <= 0 {
		d.EligibilityRetries = 3
	}
	if d.StatusFeedSize <= 0 {
		d.StatusFeedSize = 50
	}
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.PaymentQueue == "" {
		cnf.Queue.PaymentQueue = "payment:process"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "webhook:send"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}
}

func (d DistributorConfig) validate() error {
	err := validation.ValidateStruct(&d,
		validation.Field(&d.WatchedAccount, validation.Required, validation.By(classicAddress)),
		validation.Field(&d.TokenIssuer, validation.Required, validation.By(classicAddress)),
		validation.Field(&d.TokenCode, validation.Required, validation.Length(3, 40)),
		validation.Field(&d.MinimumAmount, validation.By(positiveDecimal)),
		validation.Field(&d.BaseConversionRate, validation.By(positiveDecimal)),
	)
	if err != nil {
		return fmt.Errorf("invalid distributor config: %w", err)
	}

	seen := make(map[string]bool, len(d.BonusTiers))
	for _, tier := range d.BonusTiers {
		if tier.MinAmount.IsNegative() || tier.BonusRate.IsNegative() {
			return fmt.Errorf("invalid bonus tier %s:%s, values must not be negative", tier.MinAmount, tier.BonusRate)
		}
		key := tier.MinAmount.String()
		if seen[key] {
			return fmt.Errorf("duplicate bonus tier threshold %s", key)
		}
		seen[key] = true
	}
	return nil
}

func classicAddress(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if !strings.HasPrefix(s, "r") || len(s) < 25 || len(s) > 35 {
		return errors.New("must be a classic XRPL address")
	}
	return nil
}

func positiveDecimal(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if !ok || !d.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

// Masked returns a copy of the configuration that is safe to print.
func (cnf Configuration) Masked() Configuration {
	if cnf.Distributor.SigningSeed != "" {
		cnf.Distributor.SigningSeed = "********"
	}
	if cnf.Server.SecretKey != "" {
		cnf.Server.SecretKey = "********"
	}
	return cnf
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
