package metadata

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/jackc/pgx/v4/stdlib" // Import Postgres driver.
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/determined-ai/ephemeral-agents/internal/build"
	"github.com/determined-ai/ephemeral-agents/internal/resources"
)

// BunStore is a Store persisted to Postgres. Live metadata is cached so every caller attached to
// a build shares one Info. It also serves as the durable History of successful runs.
type BunStore struct {
	db  *bun.DB
	log *logrus.Entry

	mu    sync.Mutex
	infos map[string]*Info
}

var _ resources.History = (*BunStore)(nil)

// OpenBunStore connects to the database at url and makes sure the metadata table exists.
func OpenBunStore(ctx context.Context, url string) (*BunStore, error) {
	sqlDB, err := sql.Open("pgx", url)
	if err != nil {
		return nil, errors.Wrap(err, "opening metadata database")
	}
	s := NewBunStore(bun.NewDB(sqlDB, pgdialect.New()))
	if err := s.Migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "creating metadata table")
	}
	return s, nil
}

// NewBunStore returns a store over an existing connection.
func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{
		db:    db,
		log:   logrus.WithField("component", "metadata-store"),
		infos: map[string]*Info{},
	}
}

// Migrate creates the metadata table if it does not exist.
func (b *BunStore) Migrate(ctx context.Context) error {
	_, err := b.db.NewCreateTable().Model((*Snapshot)(nil)).IfNotExists().Exec(ctx)
	return err
}

// Close closes the underlying connection.
func (b *BunStore) Close() error {
	return b.db.Close()
}

// Attach implements Store.
func (b *BunStore) Attach(ctx context.Context, req build.Request) (*Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attach(ctx, req)
}

// Claim implements Store.
func (b *BunStore) Claim(ctx context.Context, req build.Request, agent string) (*Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, err := b.attach(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := info.claim(agent); err != nil {
		return nil, err
	}
	return info, nil
}

func (b *BunStore) attach(ctx context.Context, req build.Request) (*Info, error) {
	if info, ok := b.infos[req.ID]; ok {
		return info, nil
	}

	info, err := b.load(ctx, req.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		info = NewInfo(req.ID, req.JobName, req.Label)
	case err != nil:
		return nil, err
	}
	b.infos[req.ID] = info
	return info, nil
}

// Get implements Store.
func (b *BunStore) Get(ctx context.Context, buildID string) (*Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.infos[buildID]; ok {
		return info, nil
	}
	info, err := b.load(ctx, buildID)
	if err != nil {
		return nil, err
	}
	b.infos[buildID] = info
	return info, nil
}

func (b *BunStore) load(ctx context.Context, buildID string) (*Info, error) {
	var s Snapshot
	err := b.db.NewSelect().Model(&s).Where("build_id = ?", buildID).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, errors.Wrapf(err, "loading metadata of build %s", buildID)
	}
	// Rows are only loaded for builds this process has not seen, so any launch they record as
	// in progress died with an earlier process.
	s.InProgress = false
	return fromSnapshot(s), nil
}

// Save implements Store.
func (b *BunStore) Save(ctx context.Context, info *Info) error {
	s := info.Snapshot()
	_, err := b.db.NewInsert().Model(&s).
		On("CONFLICT (build_id) DO UPDATE").
		Exec(ctx)
	if err != nil {
		return errors.Wrapf(err, "saving metadata of build %s", s.BuildID)
	}
	return nil
}

// List implements Store.
func (b *BunStore) List(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	if err := b.db.NewSelect().Model(&out).Order("build_id").Scan(ctx); err != nil {
		return nil, errors.Wrap(err, "listing metadata")
	}
	return out, nil
}

// LastSuccessful implements resources.History from the latest successful build of the job.
func (b *BunStore) LastSuccessful(ctx context.Context, job string) (*resources.Hint, error) {
	var s Snapshot
	err := b.db.NewSelect().Model(&s).
		Column("next_cpu_shares", "next_memory").
		Where("job_name = ?", job).
		Where("outcome = ?", OutcomeSuccess).
		Order("finished DESC").
		Limit(1).
		Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, errors.Wrapf(err, "loading history of job %s", job)
	}
	return &resources.Hint{CPUShares: s.NextCPUShares, Memory: s.NextMemory}, nil
}

// Record implements resources.History. Hints are stored with the build metadata when it is
// saved, so there is nothing more to write.
func (b *BunStore) Record(_ context.Context, job string, hint resources.Hint) error {
	b.log.WithField("job", job).Tracef("recorded next-run hint %+v", hint)
	return nil
}
