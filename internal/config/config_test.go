package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "")
	t.Setenv("S3_BUCKET", "kyc-selfies")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.OpenThreshold != 0.25 || cfg.CloseThreshold != 0.2 {
		t.Errorf("unexpected EAR thresholds: open=%v close=%v", cfg.OpenThreshold, cfg.CloseThreshold)
	}
	if cfg.MatchThreshold != 95 {
		t.Errorf("MatchThreshold = %v, want 95", cfg.MatchThreshold)
	}
	if cfg.CollectionID != "unique_faces" {
		t.Errorf("CollectionID = %q, want unique_faces", cfg.CollectionID)
	}
	if cfg.DatabaseURL != "postgres://localhost:5432/livekyc" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "kyc")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "identity")
	t.Setenv("MIN_BLINKS", "2")
	t.Setenv("COMPENSATION_TIMEOUT", "3s")
	t.Setenv("STOP_WHEN_SATISFIED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://kyc:secret@db:5432/identity" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.MinBlinks != 2 {
		t.Errorf("MinBlinks = %d, want 2", cfg.MinBlinks)
	}
	if cfg.CompensationTimeout != 3*time.Second {
		t.Errorf("CompensationTimeout = %v, want 3s", cfg.CompensationTimeout)
	}
	if !cfg.StopWhenSatisfied {
		t.Error("expected StopWhenSatisfied to be true")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("S3_BUCKET", "kyc-selfies")
	base := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"close above open", func(c *Config) { c.CloseThreshold = 0.3 }, true},
		{"glare above 8 bit range", func(c *Config) { c.GlareThreshold = 300 }, true},
		{"zero blinks", func(c *Config) { c.MinBlinks = 0 }, true},
		{"unknown decoder", func(c *Config) { c.Decoder = "gstreamer" }, true},
		{"azure without account", func(c *Config) { c.ObjectStore = "azure" }, true},
		{"s3 without bucket", func(c *Config) { c.Bucket = "" }, true},
		{"mongo without uri", func(c *Config) { c.RecordStore = "mongo"; c.MongoURI = "" }, true},
		{"local vision without model", func(c *Config) { c.VisionBackend = "local"; c.FaceModelPath = "" }, true},
		{"pigo backend", func(c *Config) { c.LandmarkBackend = "pigo"; c.LandmarkIndexMap = "pigo" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFields(t *testing.T) {
	t.Setenv("S3_BUCKET", "")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("full validation should require a bucket")
	}
	if err := cfg.ValidateFields(ScoringFields...); err != nil {
		t.Errorf("scoring does not need storage settings: %v", err)
	}
	cfg.CloseThreshold = 0.5
	if err := cfg.ValidateFields(ScoringFields...); err == nil {
		t.Error("expected the threshold ordering to be checked")
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("MIN_BLINKS", "two")
	t.Setenv("EAR_OPEN_THRESHOLD", "high")
	t.Setenv("STOP_WHEN_SATISFIED", "maybe")
	t.Setenv("COMPENSATION_TIMEOUT", "15")

	_, err := Load()
	if err == nil {
		t.Fatal("expected malformed values to fail Load")
	}
	for _, key := range []string{"MIN_BLINKS", "EAR_OPEN_THRESHOLD", "STOP_WHEN_SATISFIED", "COMPENSATION_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected %s to be reported, got %v", key, err)
		}
	}
}

func TestLoadEmptyValueUsesDefault(t *testing.T) {
	t.Setenv("MIN_BLINKS", "")
	t.Setenv("ENGINES", "  ")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinBlinks != 1 || cfg.Engines != 2 {
		t.Errorf("expected defaults for empty values, got MinBlinks=%d Engines=%d", cfg.MinBlinks, cfg.Engines)
	}
}
