package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "custody",
	Short:        "Chain-of-custody tracker for sealed exam material",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/custody/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path (default: ./custody.yaml)")
	pf.String("log-level", "info", "log level: debug | info | warn | error")
	pf.String("log-format", "text", "log format: text | json")

	pf.String("db-driver", "sqlite", "ledger backend: sqlite | postgres")
	pf.String("db-path", "data/custody.db", "path to the sqlite ledger file")
	pf.String("postgres-dsn", "", "PostgreSQL DSN when db-driver is postgres")

	pf.String("evidence-backend", "local", "evidence store: local | minio")
	pf.String("evidence-dir", "data/evidence", "directory for the local evidence store")
	pf.String("minio-endpoint", "", "MinIO/S3 endpoint (host:port)")
	pf.String("minio-access-key", "", "MinIO access key")
	pf.String("minio-secret-key", "", "MinIO secret key")
	pf.String("minio-bucket", "custody-evidence", "bucket for evidence objects")
	pf.Bool("minio-use-ssl", false, "use TLS for MinIO")

	pf.String("kafka-brokers", "", "comma-separated Kafka brokers for the audit stream; empty logs audit only")
	pf.String("audit-topic", "custody.audit", "Kafka topic for audit entries")

	for key, flag := range map[string]string{
		"log_level":        "log-level",
		"log_format":       "log-format",
		"db_driver":        "db-driver",
		"db_path":          "db-path",
		"postgres_dsn":     "postgres-dsn",
		"evidence_backend": "evidence-backend",
		"evidence_dir":     "evidence-dir",
		"minio_endpoint":   "minio-endpoint",
		"minio_access_key": "minio-access-key",
		"minio_secret_key": "minio-secret-key",
		"minio_bucket":     "minio-bucket",
		"minio_use_ssl":    "minio-use-ssl",
		"kafka_brokers":    "kafka-brokers",
		"audit_topic":      "audit-topic",
	} {
		bindFlag(key, pf, flag)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("custody")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.custody")
		viper.AddConfigPath("/etc/custody")
	}

	viper.SetEnvPrefix("custody")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func buildLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
