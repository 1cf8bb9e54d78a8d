package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" || cfg.Snapshot.PrimaryChannel != "local" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.IncidentWindow() != 180*24*time.Hour {
		t.Fatalf("unexpected incident window %v", cfg.IncidentWindow())
	}
}

func TestYAMLThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assetledger.yaml")
	yamlDoc := `
database:
  driver: postgres
  dsn: postgres://audit@localhost/audit?sslmode=disable
snapshot:
  primary_channel: object_store
  delivery_timeout: 45s
object_store:
  enabled: true
  endpoint: minio:9000
  bucket: snapshots
kafka:
  enabled: true
  brokers: [kafka-1:9092]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("INCIDENT_THRESHOLD", "5")

	cfg, err := Load(Options{YAMLFile: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.ObjectStore.Endpoint != "minio:9000" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Snapshot.DeliveryTimeout != 45*time.Second {
		t.Fatalf("expected duration from yaml, got %v", cfg.Snapshot.DeliveryTimeout)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("env brokers not applied: %v", cfg.Kafka.Brokers)
	}
	if cfg.Incident.Threshold != 5 {
		t.Fatalf("env threshold not applied: %d", cfg.Incident.Threshold)
	}
}

func TestEnvFileDoesNotOverrideProcessEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("HTTP_ADDR=:9999\nSMTP_HOST=mail.internal\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("HTTP_ADDR", ":7000")
	t.Setenv("SMTP_HOST", "")
	os.Unsetenv("SMTP_HOST")

	cfg, err := Load(Options{EnvFile: envPath})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Fatalf("process env should win, got %q", cfg.HTTP.Addr)
	}
	if cfg.SMTP.Host != "mail.internal" {
		t.Fatalf(".env value not applied, got %q", cfg.SMTP.Host)
	}
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	if _, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), ".env")}); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestMalformedValuesAreAllReported(t *testing.T) {
	t.Setenv("SMTP_PORT", "twenty-five")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "often")
	t.Setenv("KAFKA_ENABLED", "maybe")
	t.Setenv("SNAPSHOT_PRIMARY_CHANNEL", "carrier_pigeon")

	_, err := Load(Options{})
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"SMTP_PORT", "SCHEDULER_POLL_INTERVAL", "KAFKA_ENABLED", "carrier_pigeon"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestObjectStorePrimaryRequiresEnabledStore(t *testing.T) {
	t.Setenv("SNAPSHOT_PRIMARY_CHANNEL", "object_store")
	_, err := Load(Options{})
	if err == nil || !strings.Contains(err.Error(), "object store is disabled") {
		t.Fatalf("expected primary channel error, got %v", err)
	}
}
