package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsTypedValues(t *testing.T) {
	v := viper.New()
	v.Set("db_driver", "Postgres")
	v.Set("evidence_upload_timeout", "45s")
	v.Set("anomaly_multiplier", 2.0)
	v.Set("default_travel_minutes", 90)
	v.Set("kafka_brokers", "kafka-1:9092, kafka-2:9092,")
	v.Set("auth_admins", "ops-1,ops-2")

	cfg := Load(v)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 45*time.Second, cfg.EvidenceUploadTimeout)
	assert.Equal(t, 2.0, cfg.AnomalyMultiplier)
	assert.Equal(t, 90, cfg.DefaultTravelMinutes)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers())
	assert.Equal(t, []string{"ops-1", "ops-2"}, cfg.AuthAdmins)
}

func TestAuthTokensFromList(t *testing.T) {
	v := viper.New()
	v.Set("auth_tokens", "tok-a=courier-a, tok-b = courier-b,broken,=nobody")

	cfg := Load(v)
	require.Len(t, cfg.AuthTokens, 2)
	assert.Equal(t, "courier-a", cfg.AuthTokens["tok-a"])
	assert.Equal(t, "courier-b", cfg.AuthTokens["tok-b"])
}

func TestAuthTokensFromMap(t *testing.T) {
	v := viper.New()
	v.Set("auth_tokens", map[string]any{"tok-a": "courier-a"})

	cfg := Load(v)
	assert.Equal(t, map[string]string{"tok-a": "courier-a"}, cfg.AuthTokens)
}

func TestBrokersEmptyDisablesKafka(t *testing.T) {
	assert.Empty(t, Config{}.Brokers())
}
