package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"molva/internal/codec"
)

type Config struct {
	DBFile        string
	APIAddr       string
	AuthSecret    string
	EncryptionKey string
	TokenExpiry   time.Duration
}

func Load() (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:        getEnv("MOLVA_DB", "molva.db"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		AuthSecret:    os.Getenv("AUTH_SECRET"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		TokenExpiry:   tokenExpiry,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	return nil
}

// EncryptionKeyBytes decodes the at-rest encryption key. A missing or
// malformed key is a startup failure; running without one would silently
// persist plaintext.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != codec.KeySize {
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to %d bytes, got %d", codec.KeySize, len(key))
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
