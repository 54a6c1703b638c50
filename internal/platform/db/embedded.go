package db

import (
	"fmt"
	"io"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
)

const (
	embeddedUser     = "clinrep"
	embeddedPassword = "clinrep"
	embeddedDatabase = "clinrep"
)

// EmbeddedServer is a throwaway local Postgres that lives for one run. It is
// used whenever no external DATABASE_URL is configured.
type EmbeddedServer struct {
	postgres *embeddedpostgres.EmbeddedPostgres
	port     uint32
}

// StartEmbedded boots a local Postgres on the given port with its binaries and
// data directory under runtimeDir. Server output is discarded; the engine's
// own logging is the run's narrative.
func StartEmbedded(port uint32, runtimeDir string) (*EmbeddedServer, error) {
	postgres := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		Username(embeddedUser).
		Password(embeddedPassword).
		Database(embeddedDatabase).
		Port(port).
		RuntimePath(runtimeDir).
		StartTimeout(60 * time.Second).
		Logger(io.Discard))

	if err := postgres.Start(); err != nil {
		return nil, fmt.Errorf("start embedded postgres: %w", err)
	}

	return &EmbeddedServer{postgres: postgres, port: port}, nil
}

// URL returns the connection string for the embedded server.
func (s *EmbeddedServer) URL() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		embeddedUser, embeddedPassword, s.port, embeddedDatabase)
}

// Stop shuts the embedded server down. The runtime directory is left in place
// so repeated runs reuse the unpacked binaries.
func (s *EmbeddedServer) Stop() error {
	if err := s.postgres.Stop(); err != nil {
		return fmt.Errorf("stop embedded postgres: %w", err)
	}
	return nil
}
