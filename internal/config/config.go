package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"memory"`
	DatabaseURL   string `env:"DATABASE_URL"`
	MySQLDSN      string `env:"MYSQL_DSN"`
	DBMaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"2m"`

	BotsFile       string `env:"BOTS_FILE" envDefault:"bots.toml"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string `env:"OPENAI_BASE_URL"`
	EmbeddingModel string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDim   int    `env:"EMBEDDING_DIM" envDefault:"1024"`

	MaxSessions       int    `env:"MAX_SESSIONS" envDefault:"50"`
	MaxMessagesCount  int    `env:"MAX_MESSAGES_COUNT" envDefault:"200"`
	MaxMessagesLength int    `env:"MAX_MESSAGES_LENGTH" envDefault:"8000"`
	ContextBudget     int    `env:"CONTEXT_BUDGET" envDefault:"24000"`
	ContextMeasure    string `env:"CONTEXT_MEASURE" envDefault:"chars"`
	TokenEncoding     string `env:"TOKEN_ENCODING" envDefault:"cl100k_base"`

	Retriever        string        `env:"RETRIEVER" envDefault:"corpus"`
	RetrievalTopK    int           `env:"RAG_TOP_K" envDefault:"5"`
	RetrievalTimeout time.Duration `env:"RAG_TIMEOUT" envDefault:"3s"`
	RetrievalScan    int           `env:"RAG_SCAN_LIMIT" envDefault:"5000"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`

	AutoNameMode   string `env:"AUTO_NAME_MODE" envDefault:"prefix"`
	AutoNameMaxLen int    `env:"AUTO_NAME_MAX_LEN" envDefault:"50"`

	ChatRateLimit  int           `env:"CHAT_RATE_LIMIT" envDefault:"30"`
	ChatRateWindow time.Duration `env:"CHAT_RATE_WINDOW" envDefault:"1m"`
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageMySQL    = "mysql"

	MeasureChars  = "chars"
	MeasureTokens = "tokens"

	RetrieverCorpus  = "corpus"
	RetrieverChromem = "chromem"
	RetrieverNone    = "none"

	AutoNamePrefix = "prefix"
	AutoNameModel  = "model"
)

var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate verifica que los limites sean coherentes entre si.
func (c *Config) Validate() error {
	switch {
	case c.MaxSessions <= 0:
		return fmt.Errorf("%w: MAX_SESSIONS must be positive", ErrInvalidConfig)
	case c.MaxMessagesCount <= 0:
		return fmt.Errorf("%w: MAX_MESSAGES_COUNT must be positive", ErrInvalidConfig)
	case c.MaxMessagesLength <= 0:
		return fmt.Errorf("%w: MAX_MESSAGES_LENGTH must be positive", ErrInvalidConfig)
	case c.ContextBudget <= 0:
		return fmt.Errorf("%w: CONTEXT_BUDGET must be positive", ErrInvalidConfig)
	case c.ContextMeasure == MeasureChars && c.ContextBudget < c.MaxMessagesLength:
		return fmt.Errorf("%w: CONTEXT_BUDGET must be >= MAX_MESSAGES_LENGTH", ErrInvalidConfig)
	case c.RetrievalTimeout <= 0 || c.RetrievalTimeout >= c.RequestTimeout:
		return fmt.Errorf("%w: RAG_TIMEOUT must be positive and shorter than REQUEST_TIMEOUT", ErrInvalidConfig)
	case c.RetrievalTopK <= 0:
		return fmt.Errorf("%w: RAG_TOP_K must be positive", ErrInvalidConfig)
	}

	if !oneOf(c.StorageDriver, StorageMemory, StoragePostgres, StorageMySQL) {
		return fmt.Errorf("%w: unknown STORAGE_DRIVER %q", ErrInvalidConfig, c.StorageDriver)
	}
	if c.StorageDriver == StoragePostgres && c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is required for postgres", ErrInvalidConfig)
	}
	if c.StorageDriver == StorageMySQL && c.MySQLDSN == "" {
		return fmt.Errorf("%w: MYSQL_DSN is required for mysql", ErrInvalidConfig)
	}
	if !oneOf(c.ContextMeasure, MeasureChars, MeasureTokens) {
		return fmt.Errorf("%w: unknown CONTEXT_MEASURE %q", ErrInvalidConfig, c.ContextMeasure)
	}
	if !oneOf(c.Retriever, RetrieverCorpus, RetrieverChromem, RetrieverNone) {
		return fmt.Errorf("%w: unknown RETRIEVER %q", ErrInvalidConfig, c.Retriever)
	}
	if !oneOf(c.AutoNameMode, AutoNamePrefix, AutoNameModel) {
		return fmt.Errorf("%w: unknown AUTO_NAME_MODE %q", ErrInvalidConfig, c.AutoNameMode)
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
