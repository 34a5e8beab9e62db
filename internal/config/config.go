package config

import "github.com/kelseyhightower/envconfig"

// DBPool carries the pgx pool knobs for every binary that opens the
// database. Zero values leave the pgx defaults in place; durations are
// time.ParseDuration strings.
type DBPool struct {
	MaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS"`
	MinConns          int32  `envconfig:"DB_POOL_MIN_CONNS"`
	MaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	MaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`
}

type APIConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	DBPool    DBPool
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	JobQueueURL        string `envconfig:"JOB_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Outreach gateway (used for live limit reports and message previews)
	GatewayBaseURL string `envconfig:"GATEWAY_BASE_URL"`
	GatewayAPIKey  string `envconfig:"GATEWAY_API_KEY"`

	// Message composer service; empty means local template rendering only
	ComposerBaseURL string `envconfig:"COMPOSER_BASE_URL"`
}

type WorkerConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	DBPool    DBPool
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	JobQueueURL        string `envconfig:"JOB_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"300"`

	// One campaign run at a time per message, but several campaigns can be
	// in flight concurrently.
	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"4"`

	// Outreach gateway
	GatewayBaseURL    string  `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayAPIKey     string  `envconfig:"GATEWAY_API_KEY" required:"true"`
	GatewayRPSPerPod  float64 `envconfig:"GATEWAY_RPS_PER_POD" default:"1"`
	GatewayBurst      int     `envconfig:"GATEWAY_BURST" default:"2"`
	GatewayTimeoutSec int     `envconfig:"GATEWAY_TIMEOUT_SECONDS" default:"15"`

	// Message composer
	ComposerBaseURL string `envconfig:"COMPOSER_BASE_URL"`

	// Processing lease
	LeaseTTLSeconds int `envconfig:"LEASE_TTL_SECONDS" default:"600"`
}

type WebhookConfig struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	EventQueueURL      string `envconfig:"EVENT_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Shared secret the gateway signs event payloads with
	WebhookSecret string `envconfig:"GATEWAY_WEBHOOK_SECRET" required:"true"`
}

type ProcessorConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	DBPool    DBPool
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	EventQueueURL      string `envconfig:"EVENT_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadProcessor() ProcessorConfig {
	var cfg ProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
