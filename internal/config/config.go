package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the custody service.
type Config struct {
	LogLevel  string
	LogFormat string

	HTTPAddr     string
	MetricsAddr  string
	OTelEndpoint string

	DBDriver    string
	DBPath      string
	PostgresDSN string

	EvidenceBackend       string
	EvidenceDir           string
	EvidenceMaxBytes      int64
	EvidenceUploadTimeout time.Duration
	MinIOEndpoint         string
	MinIOAccessKey        string
	MinIOSecretKey        string
	MinIOBucket           string
	MinIOUseSSL           bool

	AnomalyMultiplier    float64
	DefaultTravelMinutes int

	KafkaBrokers string
	AuditTopic   string

	RedisAddr  string
	RateLimit  int
	RateWindow time.Duration

	AuthTokens map[string]string
	AuthAdmins []string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		HTTPAddr:     v.GetString("http_addr"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		DBDriver:    strings.ToLower(v.GetString("db_driver")),
		DBPath:      v.GetString("db_path"),
		PostgresDSN: v.GetString("postgres_dsn"),

		EvidenceBackend:       strings.ToLower(v.GetString("evidence_backend")),
		EvidenceDir:           v.GetString("evidence_dir"),
		EvidenceMaxBytes:      v.GetInt64("evidence_max_bytes"),
		EvidenceUploadTimeout: v.GetDuration("evidence_upload_timeout"),
		MinIOEndpoint:         v.GetString("minio_endpoint"),
		MinIOAccessKey:        v.GetString("minio_access_key"),
		MinIOSecretKey:        v.GetString("minio_secret_key"),
		MinIOBucket:           v.GetString("minio_bucket"),
		MinIOUseSSL:           v.GetBool("minio_use_ssl"),

		AnomalyMultiplier:    v.GetFloat64("anomaly_multiplier"),
		DefaultTravelMinutes: v.GetInt("default_travel_minutes"),

		KafkaBrokers: v.GetString("kafka_brokers"),
		AuditTopic:   v.GetString("audit_topic"),

		RedisAddr:  v.GetString("redis_addr"),
		RateLimit:  v.GetInt("rate_limit"),
		RateWindow: v.GetDuration("rate_window"),

		AuthTokens: authTokens(v),
		AuthAdmins: splitList(v.GetString("auth_admins")),
	}
}

// Brokers splits the comma separated broker list; empty disables Kafka.
func (c Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// authTokens accepts either a YAML map (token: user) or, for environment
// variables, a "token=user,token=user" list.
func authTokens(v *viper.Viper) map[string]string {
	if m := v.GetStringMapString("auth_tokens"); len(m) > 0 {
		return m
	}
	out := map[string]string{}
	for _, pair := range splitList(v.GetString("auth_tokens")) {
		token, user, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if token != "" && user != "" {
			out[token] = user
		}
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
