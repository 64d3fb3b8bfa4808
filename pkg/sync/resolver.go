package sync

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/campoverde/campo/pkg/models"
	"github.com/campoverde/campo/pkg/remote"
	"github.com/campoverde/campo/pkg/repositories"
	"github.com/campoverde/campo/pkg/tracing"
)

// Backend is the slice of the remote client the sync layer consumes. The
// production implementation is *remote.Client; tests substitute a fake.
type Backend interface {
	SelectOne(ctx context.Context, table string, filters []remote.Filter) (remote.Row, error)
	Select(ctx context.Context, table string, filters []remote.Filter, opts *remote.ListOptions) ([]remote.Row, error)
	Insert(ctx context.Context, table string, payload remote.Row) (remote.Row, error)
	Update(ctx context.Context, table string, filters []remote.Filter, patch remote.Row) (remote.Row, error)
	Delete(ctx context.Context, table string, filters []remote.Filter) error
}

// Resolver maps local UUIDs to backend-assigned integer ids. Lookups go
// local row first, then backend natural key, then create; every resolved id
// is written back to the local row so the next item skips the network.
type Resolver struct {
	backend Backend
	farms   *repositories.FarmRepository
	blocks  *repositories.BlockRepository
	beds    *repositories.BedRepository
	logger  ectologger.Logger
}

// NewResolver creates a new identity resolver
func NewResolver(
	backend Backend,
	farms *repositories.FarmRepository,
	blocks *repositories.BlockRepository,
	beds *repositories.BedRepository,
	logger ectologger.Logger,
) *Resolver {
	return &Resolver{
		backend: backend,
		farms:   farms,
		blocks:  blocks,
		beds:    beds,
		logger:  logger,
	}
}

// BedServerID resolves a local bed to its backend id. The natural key for a
// bed is (parent block server id, name); a miss on the natural key creates
// the bed upstream.
func (r *Resolver) BedServerID(ctx context.Context, localID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "Resolver.BedServerID")
	defer span.End()

	bed, err := r.beds.GetByLocalID(ctx, localID)
	if err != nil {
		return 0, invalidPayloadf("bed %s is not in the local store: %v", localID, err)
	}
	if bed.ServerID != nil {
		return *bed.ServerID, nil
	}

	blockServerID, err := r.BlockServerID(ctx, bed.BlockLocalID)
	if err != nil {
		return 0, err
	}

	row, err := r.backend.SelectOne(ctx, models.TableBeds, []remote.Filter{
		remote.Eq("block_id", blockServerID),
		remote.Eq("name", bed.Name),
	})
	if err != nil {
		return 0, err
	}

	if row == nil {
		row, err = r.backend.Insert(ctx, models.TableBeds, remote.Row{
			"block_id": blockServerID,
			"name":     bed.Name,
		})
		if err != nil {
			return 0, err
		}
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"bed_local_id": localID,
		}).Info("Created bed upstream during identity resolution")
	}

	serverID, err := rowID(row)
	if err != nil {
		return 0, err
	}
	if err := r.beds.SetServerID(ctx, localID, serverID); err != nil {
		return 0, err
	}
	return serverID, nil
}

// BlockServerID resolves a local block by (farm server id, name), creating
// it upstream on a natural-key miss.
func (r *Resolver) BlockServerID(ctx context.Context, localID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "Resolver.BlockServerID")
	defer span.End()

	block, err := r.blocks.GetByLocalID(ctx, localID)
	if err != nil {
		return 0, invalidPayloadf("block %s is not in the local store: %v", localID, err)
	}
	if block.ServerID != nil {
		return *block.ServerID, nil
	}

	farmServerID, err := r.FarmServerID(ctx, block.FarmLocalID)
	if err != nil {
		return 0, err
	}

	row, err := r.backend.SelectOne(ctx, models.TableBlocks, []remote.Filter{
		remote.Eq("farm_id", farmServerID),
		remote.Eq("name", block.Name),
	})
	if err != nil {
		return 0, err
	}

	if row == nil {
		row, err = r.backend.Insert(ctx, models.TableBlocks, remote.Row{
			"farm_id": farmServerID,
			"name":    block.Name,
		})
		if err != nil {
			return 0, err
		}
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"block_local_id": localID,
		}).Info("Created block upstream during identity resolution")
	}

	serverID, err := rowID(row)
	if err != nil {
		return 0, err
	}
	if err := r.blocks.SetServerID(ctx, localID, serverID); err != nil {
		return 0, err
	}
	return serverID, nil
}

// FarmServerID resolves a local farm by name. Farms are reference data the
// warmer normally fills, so a local farm without a server id is rare; the
// natural-key lookup covers it anyway.
func (r *Resolver) FarmServerID(ctx context.Context, localID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "Resolver.FarmServerID")
	defer span.End()

	farm, err := r.farms.GetByLocalID(ctx, localID)
	if err != nil {
		return 0, invalidPayloadf("farm %s is not in the local store: %v", localID, err)
	}
	if farm.ServerID != nil {
		return *farm.ServerID, nil
	}

	row, err := r.backend.SelectOne(ctx, models.TableFarms, []remote.Filter{
		remote.Eq("name", farm.Name),
	})
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, invalidPayloadf("farm %q does not exist upstream", farm.Name)
	}

	serverID, err := rowID(row)
	if err != nil {
		return 0, err
	}

	if err := r.farms.SetServerID(ctx, localID, serverID); err != nil {
		return 0, err
	}
	return serverID, nil
}

// rowID extracts the backend-assigned integer id from a decoded row.
func rowID(row remote.Row) (int64, error) {
	raw, ok := row["id"]
	if !ok {
		return 0, fmt.Errorf("backend row has no id column")
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("backend row id has unexpected type %T", raw)
	}
}
