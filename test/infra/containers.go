package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer wraps the throwaway Postgres the marketplace stress suite runs
// against when no shared database is supplied.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 provisions a Postgres 16 container and returns its DSN.
// overrideDSN, then STRESS_TEST_PG_DSN, short-circuit to an existing database
// so CI can point the suite at a shared instance.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("servicehub"),
		postgres.WithUsername("servicehub"),
		postgres.WithPassword("servicehub"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// Terminate tears the container down. Safe on a shared-database handle.
func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
