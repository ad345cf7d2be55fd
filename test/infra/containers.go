package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	defaultImage = "postgres:16-alpine"
	stressDB     = "ledgerflow_stress"
	stressRole   = "ledgerflow"
)

// PGContainer is a disposable Postgres started for one stress run. A zero
// value stands for an externally managed database.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres runs a throwaway Postgres container and returns its DSN.
// STRESS_TEST_PG_IMAGE overrides the image.
func StartPostgres(ctx context.Context) (*PGContainer, string, error) {
	image := os.Getenv("STRESS_TEST_PG_IMAGE")
	if image == "" {
		image = defaultImage
	}

	pgC, err := postgres.Run(ctx, image,
		postgres.WithDatabase(stressDB),
		postgres.WithUsername(stressRole),
		postgres.WithPassword(stressRole),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable", "application_name="+AppName)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// Terminate stops the container. It is a no-op for external databases.
func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
