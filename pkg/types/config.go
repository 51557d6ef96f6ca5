package types

import (
	"errors"
	"path/filepath"
	"strings"
)

// Config holds the connection descriptor and logging level.
type Config struct {
	Connection string `json:"connection" yaml:"connection" mapstructure:"connection"`
	LogLevel   string `json:"log_level" yaml:"log_level,omitempty" mapstructure:"log_level"`
}

// Supported backend names.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendJSONL    = "jsonl"
)

// Config validation errors.
var (
	ErrBackendEmpty    = errors.New("connection must not be empty")
	ErrBackendUnknown  = errors.New("unrecognized connection descriptor")
	ErrLogLevelUnknown = errors.New("unknown log level")
)

// serverTokens mark a key/value connection string for a database server.
var serverTokens = []string{"host=", "server=", "dbname=", "data source="}

var knownLogLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// SelectBackend maps a connection descriptor to a backend name by its
// shape: server URLs and key/value strings select postgres, database file
// extensions select sqlite, and text file extensions select the flat-file
// store.
func SelectBackend(connection string) (string, error) {
	c := strings.TrimSpace(connection)
	if c == "" {
		return "", ErrBackendEmpty
	}
	lower := strings.ToLower(c)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return BackendPostgres, nil
	}
	for _, tok := range serverTokens {
		if strings.Contains(lower, tok) {
			return BackendPostgres, nil
		}
	}
	if strings.HasPrefix(lower, "file:") {
		return BackendSQLite, nil
	}
	switch filepath.Ext(lower) {
	case ".db", ".sqlite", ".sqlite3":
		return BackendSQLite, nil
	case ".jsonl", ".txt":
		return BackendJSONL, nil
	}
	return "", ErrBackendUnknown
}

// Validate checks that the Config is well-formed.
func (c Config) Validate() error {
	if _, err := SelectBackend(c.Connection); err != nil {
		return err
	}
	if !knownLogLevels[strings.ToLower(c.LogLevel)] {
		return ErrLogLevelUnknown
	}
	return nil
}
