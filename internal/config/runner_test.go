package config_test

import (
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/glizzus/cronrunner/internal/config"
	"github.com/google/go-cmp/cmp"
)

func TestNewRunnerConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"CRON_PERIOD", "CRON_STOP_TIMEOUT", "CRON_DRAIN_TIMEOUT", "CRON_FAILURE_POLICY", "STORE_DRIVER", "METRICS_ADDR", "HEARTBEAT_SCHEDULE", "LOG_LEVEL", "LOG_FORMAT"} {
		// t.Setenv restores the original value once the test ends.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := config.NewRunnerConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &config.RunnerConfig{
		Period:            time.Second,
		StopTimeout:       time.Second,
		DrainTimeout:      30 * time.Second,
		FailurePolicy:     "leave",
		StoreDriver:       "sqlite",
		MetricsAddr:       ":9090",
		HeartbeatSchedule: "0 * * * * *",
		LogLevel:          "INFO",
		LogFormat:         "json",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRunnerConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("CRON_PERIOD", "250ms")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("CRON_FAILURE_POLICY", "release")

	cfg, err := config.NewRunnerConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Period != 250*time.Millisecond {
		t.Errorf("expected period 250ms, got %s", cfg.Period)
	}
	if cfg.StoreDriver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.StoreDriver)
	}
	if cfg.FailurePolicy != "release" {
		t.Errorf("expected release policy, got %s", cfg.FailurePolicy)
	}
}

func TestNewRunnerConfigFromEnvRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")

	if _, err := config.NewRunnerConfigFromEnv(); err == nil {
		t.Error("expected error for unknown store driver")
	}
}

func TestPostgresConfigDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.PostgresConfig
		want string
	}{
		{
			name: "plain credentials",
			cfg: config.PostgresConfig{
				Host:     "db",
				Port:     "5433",
				Username: "user",
				Password: "password",
				Database: "cron",
				SSLMode:  "disable",
			},
			want: "postgres://user:password@db:5433/cron?sslmode=disable",
		},
		{
			name: "reserved characters in the password",
			cfg: config.PostgresConfig{
				Host:     "db",
				Port:     "5432",
				Username: "user",
				Password: "p@ss:w/rd",
				Database: "cron",
				SSLMode:  "require",
			},
			want: "postgres://user:p%40ss%3Aw%2Frd@db:5432/cron?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}

			parsed, err := url.Parse(tt.cfg.DSN())
			if err != nil {
				t.Fatalf("failed to parse dsn: %v", err)
			}
			if password, _ := parsed.User.Password(); password != tt.cfg.Password {
				t.Errorf("expected password %q to round-trip, got %q", tt.cfg.Password, password)
			}
		})
	}
}
