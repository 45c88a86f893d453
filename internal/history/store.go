//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package history implements the durable, append-only chat log that the
// relay replays to newly joined clients.
//
// Three drivers are available: "sqlite" (default, a single database file),
// "badger" (an embedded key-value directory) and "memory" (process-local,
// used by tests and throwaway runs). All of them assign an insertion-order ID
// and a non-decreasing timestamp on Append, and answer Recent from a single
// consistent snapshot.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Store is the persistence API used by the broadcast hub.
type Store interface {
	// Append durably records a message and returns it with its ID and
	// timestamp. Failures are reported as *StorageError.
	Append(ctx context.Context, author, text string) (Message, error)
	// Recent returns up to limit of the newest messages, oldest first.
	Recent(ctx context.Context, limit int) ([]Message, error)
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver      string        `mapstructure:"driver" validate:"oneof=sqlite badger memory"`
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	InMemory    bool          `mapstructure:"in_memory"`
}

// needsPath reports whether the driver keeps data on disk.
func (c Config) needsPath() bool {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "memory":
		return false
	case "badger":
		return !c.InMemory
	default:
		return true
	}
}

// RegisterValidation installs the Config rules that span several fields:
// Path is required unless the driver is "memory" or badger runs in memory.
func RegisterValidation(v *validator.Validate) {
	v.RegisterStructValidation(validateConfig, Config{})
}

func validateConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(Config)
	if !ok || !cfg.needsPath() || strings.TrimSpace(cfg.Path) != "" {
		return
	}
	sl.ReportError(cfg.Path, "Path", "Path", "required", "")
}

// ErrClosed is wrapped in a StorageError when a closed store is used.
var ErrClosed = errors.New("store closed")

// Open initializes the configured store. Opening an existing store keeps its
// contents.
func Open(cfg Config, logger zerolog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	logger = logger.With().Str("component", "history").Str("driver", driver).Logger()

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, logger)
	case "badger":
		return openBadger(cfg, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.New("unknown history driver: " + cfg.Driver)
	}
}
