package storage

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/common"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/storage/badger"
	"github.com/ternarybob/juris/internal/storage/postgres"
)

// NewJobStorage creates the job store selected by storage.type
func NewJobStorage(ctx context.Context, logger arbor.ILogger, config *common.Config) (interfaces.JobStorage, error) {
	switch config.Storage.Type {
	case "postgres", "":
		return postgres.NewJobStorage(ctx, logger, &config.Storage.Postgres)
	case "badger":
		logger.Warn().Msg("Badger storage does not coordinate claims across processes - run a single instance")
		return badger.NewJobStorage(logger, &config.Storage.Badger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected 'postgres' or 'badger')", config.Storage.Type)
	}
}
