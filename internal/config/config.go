package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds everything the engine needs to wire its collaborators.
// Values come from the environment (optionally seeded by a .env file) and
// may be overridden by CLI flags before Validate is called.
type Config struct {
	Env      string `validate:"oneof=development production"`
	LogLevel string `validate:"oneof=debug info warn error"`

	// Identity records
	RecordStore   string `validate:"oneof=postgres mongo"`
	DatabaseURL   string `validate:"required_if=RecordStore postgres"`
	MongoURI      string `validate:"required_if=RecordStore mongo"`
	MongoDatabase string `validate:"required_if=RecordStore mongo"`

	// Durable store
	ObjectStore    string `validate:"oneof=s3 azure"`
	Bucket         string `validate:"required_if=ObjectStore s3"`
	AzureAccount   string `validate:"required_if=ObjectStore azure"`
	AzureKey       string `validate:"required_if=ObjectStore azure"`
	AzureContainer string `validate:"required_if=ObjectStore azure"`

	// Detector and identity registry
	VisionBackend string `validate:"oneof=rekognition local"`
	CollectionID  string `validate:"required_if=VisionBackend rekognition"`
	FaceModelPath string `validate:"required_if=VisionBackend local"`

	// Landmarks
	LandmarkBackend  string `validate:"oneof=worker pigo"`
	LandmarkIndexMap string `validate:"required"`
	WorkerCommand    string `validate:"required_if=LandmarkBackend worker"`
	WorkerArgs       []string
	WorkerTimeout    time.Duration `validate:"gte=0"`
	PigoCascadeDir   string        `validate:"required_if=LandmarkBackend pigo"`
	Engines          int           `validate:"min=1"`

	// Decoder
	Decoder string `validate:"oneof=ffmpeg opencv"`

	// Thresholds
	OpenThreshold         float64 `validate:"gt=0,gtfield=CloseThreshold"`
	CloseThreshold        float64 `validate:"gt=0"`
	GlareThreshold        float64 `validate:"gt=0,lte=255"`
	MinBlinks             int     `validate:"min=1"`
	MaxCandidates         int     `validate:"min=1"`
	StopWhenSatisfied     bool
	MatchThreshold        float64 `validate:"gt=0,lte=100"`
	MinLivenessConfidence float64 `validate:"gte=0,lte=100"`

	CompensationTimeout time.Duration `validate:"gt=0"`

	// Transports
	HTTPAddr         string `validate:"required"`
	CORSOrigins      []string
	RedisAddr        string `validate:"required"`
	RedisPassword    string
	QueueConcurrency int `validate:"min=1"`
}

var validate = validator.New()

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	env := &envReader{}
	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RecordStore:   getEnv("RECORD_STORE", "postgres"),
		DatabaseURL:   databaseURL(),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: getEnv("MONGO_DATABASE", "livekyc"),

		ObjectStore:    getEnv("OBJECT_STORE", "s3"),
		Bucket:         os.Getenv("S3_BUCKET"),
		AzureAccount:   os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureKey:       os.Getenv("AZURE_STORAGE_KEY"),
		AzureContainer: os.Getenv("AZURE_STORAGE_CONTAINER"),

		VisionBackend: getEnv("VISION_BACKEND", "rekognition"),
		CollectionID:  getEnv("REKOGNITION_COLLECTION_ID", "unique_faces"),
		FaceModelPath: os.Getenv("FACE_MODEL_PATH"),

		LandmarkBackend:  getEnv("LANDMARK_BACKEND", "worker"),
		LandmarkIndexMap: getEnv("LANDMARK_INDEX_MAP", "mediapipe468"),
		WorkerCommand:    getEnv("LANDMARK_WORKER_CMD", "python3"),
		WorkerArgs:       strings.Fields(getEnv("LANDMARK_WORKER_ARGS", "-u python/landmarks.py")),
		WorkerTimeout:    env.getDuration("LANDMARK_WORKER_TIMEOUT", 10*time.Second),
		PigoCascadeDir:   getEnv("PIGO_CASCADE_DIR", "cascade"),
		Engines:          env.getInt("ENGINES", 2),

		Decoder: getEnv("DECODER", "ffmpeg"),

		OpenThreshold:         env.getFloat("EAR_OPEN_THRESHOLD", 0.25),
		CloseThreshold:        env.getFloat("EAR_CLOSE_THRESHOLD", 0.2),
		GlareThreshold:        env.getFloat("GLARE_THRESHOLD", 210),
		MinBlinks:             env.getInt("MIN_BLINKS", 1),
		MaxCandidates:         env.getInt("MAX_CANDIDATES", 3),
		StopWhenSatisfied:     env.getBool("STOP_WHEN_SATISFIED", false),
		MatchThreshold:        env.getFloat("FACE_MATCH_THRESHOLD", 95),
		MinLivenessConfidence: env.getFloat("MIN_LIVENESS_CONFIDENCE", 90),

		CompensationTimeout: env.getDuration("COMPENSATION_TIMEOUT", 15*time.Second),

		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		CORSOrigins:      splitList(os.Getenv("CORS_ORIGINS")),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		QueueConcurrency: env.getInt("QUEUE_CONCURRENCY", 4),
	}
	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the struct tags after flag overrides were applied.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Field groups for commands that only wire part of the stack.
var (
	LoggingFields = []string{"Env", "LogLevel"}
	ScoringFields = []string{
		"LandmarkBackend", "LandmarkIndexMap", "WorkerCommand", "WorkerTimeout", "PigoCascadeDir",
		"Engines", "Decoder", "OpenThreshold", "CloseThreshold", "GlareThreshold", "MinBlinks", "MaxCandidates",
	}
	RecordFields  = []string{"RecordStore", "DatabaseURL", "MongoURI", "MongoDatabase"}
	VisionFields  = []string{"VisionBackend", "CollectionID", "FaceModelPath", "MatchThreshold", "MinLivenessConfidence"}
	StorageFields = []string{"ObjectStore", "Bucket", "AzureAccount", "AzureKey", "AzureContainer", "CompensationTimeout"}
	QueueFields   = []string{"RedisAddr", "QueueConcurrency"}
)

// ValidateFields checks only the named fields.
func (c *Config) ValidateFields(fields ...string) error {
	if err := validate.StructPartial(c, fields...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Development reports whether human readable logs were requested.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// databaseURL builds the connection string from POSTGRES_* variables,
// preferring DATABASE_URL when set.
func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := getEnv("POSTGRES_PORT", "5432")
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/livekyc"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envReader parses typed variables. Unset or empty variables take the
// fallback; malformed ones are collected so Load can report all of them.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

func (r *envReader) fail(key, value, want string) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q is not a valid %s", key, value, want))
}

func (r *envReader) getInt(key string, fallback int) int {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "integer")
		return fallback
	}
	return n
}

func (r *envReader) getFloat(key string, fallback float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, "number")
		return fallback
	}
	return f
}

func (r *envReader) getBool(key string, fallback bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, "boolean")
		return fallback
	}
	return b
}

func (r *envReader) getDuration(key string, fallback time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, "duration")
		return fallback
	}
	return d
}
