package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Database / Redis
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	WorkerCount  int           `envconfig:"WORKER_COUNT" default:"10"`
	QueueSize    int           `envconfig:"QUEUE_SIZE" default:"100"`
	MessageDelay time.Duration `envconfig:"MESSAGE_DELAY" default:"5s"`
	DrainTimeout time.Duration `envconfig:"DRAIN_TIMEOUT" default:"60s"`
	DrainPoll    time.Duration `envconfig:"DRAIN_POLL" default:"5s"`

	// ----------------------------
	// Channel sessions
	// ----------------------------
	ChannelDriver      string        `envconfig:"CHANNEL_DRIVER" default:"loopback"`
	PairingMaxAttempts int           `envconfig:"PAIRING_MAX_ATTEMPTS" default:"3"`
	AuthWait           time.Duration `envconfig:"AUTH_WAIT" default:"5s"`
	LoopbackFailRate   float64       `envconfig:"LOOPBACK_FAIL_RATE" default:"0.05"`

	// ----------------------------
	// Recipient sheets
	// ----------------------------
	UploadDir string `envconfig:"UPLOAD_DIR" default:"uploads"`
	MaxRows   int    `envconfig:"MAX_ROWS" default:"10000"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// SMTP (run summary mail, optional)
	// ----------------------------
	EmailEnabled bool   `envconfig:"EMAIL_ENABLED" default:"false"`
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@sendwave.local"`
	SMTPTo       string `envconfig:"SMTP_TO" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
