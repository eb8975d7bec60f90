package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "judge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "judge:pw@tcp(db:3306)/judge"
redis:
  addr: "redis:6379"
sandbox:
  goJudge:
    endpoint: "http://sandbox:5050"
`)
	t.Setenv("JUDGE_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("JUDGE_JWT_SECRET", "from-env")

	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(cfg.Database.DSN, "parseTime=true") || !strings.Contains(cfg.Database.DSN, "clientFoundRows=true") {
		t.Fatalf("dsn not normalized: %s", cfg.Database.DSN)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Fatalf("jwt secret = %q", cfg.Auth.Secret)
	}
	if cfg.Queue.Backend != queueBackendRedis || cfg.Worker.PoolSize != 4 {
		t.Fatalf("queue=%q pool=%d", cfg.Queue.Backend, cfg.Worker.PoolSize)
	}
	if cfg.Kafka.SubmissionTopic != "submission.created" || cfg.Kafka.DeadLetter != "submission.created.dlq" {
		t.Fatalf("topics = %q %q", cfg.Kafka.SubmissionTopic, cfg.Kafka.DeadLetter)
	}
	if cfg.Status.FinalTopic != "judge.status.final" || cfg.Server.ShutdownTimeout != defaultShutdownTimeout {
		t.Fatalf("final topic %q shutdown %v", cfg.Status.FinalTopic, cfg.Server.ShutdownTimeout)
	}
	if cfg.Redis.DialTimeout != 5*time.Second {
		t.Fatalf("redis defaults not applied: %v", cfg.Redis.DialTimeout)
	}
}

func TestLoadAppConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing dsn", body: "redis:\n  addr: r:6379\nsandbox:\n  goJudge:\n    endpoint: http://s\n"},
		{name: "missing sandbox", body: "database:\n  dsn: \"u:p@tcp(db)/j\"\nredis:\n  addr: r:6379\n"},
		{name: "sqs without url", body: "database:\n  dsn: \"u:p@tcp(db)/j\"\nredis:\n  addr: r:6379\nsandbox:\n  goJudge:\n    endpoint: http://s\nqueue:\n  backend: sqs\n"},
		{name: "unknown backend", body: "database:\n  dsn: \"u:p@tcp(db)/j\"\nredis:\n  addr: r:6379\nsandbox:\n  goJudge:\n    endpoint: http://s\nqueue:\n  backend: rabbit\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadAppConfig(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
