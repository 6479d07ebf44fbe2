package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradecore/tradecore/internal/store/postgres"
)

// Metadata bundles in-process implementations of the job, source and gap
// stores. It backs standalone runs without a Postgres instance; state is lost
// on restart, which is acceptable because the candle files are the source of
// truth and gaps can be re-detected.
type Metadata struct {
	Jobs    *MemJobs
	Sources *MemSources
	Gaps    *MemGaps
}

// NewMetadata creates an empty in-memory metadata store.
func NewMetadata() *Metadata {
	return &Metadata{
		Jobs:    &MemJobs{jobs: make(map[string]*postgres.IngestionJob)},
		Sources: &MemSources{sources: make(map[string]postgres.DataSource)},
		Gaps:    &MemGaps{gaps: make(map[string]postgres.DataGap)},
	}
}

// MemJobs implements JobStore in memory.
type MemJobs struct {
	mu   sync.Mutex
	jobs map[string]*postgres.IngestionJob
}

func (m *MemJobs) Create(_ context.Context, pair, timeframe, exchange string, priority int) (*postgres.IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &postgres.IngestionJob{
		ID:        uuid.NewString(),
		Pair:      pair,
		Timeframe: timeframe,
		Exchange:  exchange,
		Status:    postgres.JobPending,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	return cloneJob(job), nil
}

func (m *MemJobs) Get(_ context.Context, id string) (*postgres.IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *MemJobs) MarkRunning(_ context.Context, id string) error {
	return m.update(id, func(j *postgres.IngestionJob) {
		now := time.Now().UTC()
		j.Status = postgres.JobRunning
		j.StartedAt = &now
	})
}

func (m *MemJobs) MarkCompleted(_ context.Context, id string) error {
	return m.update(id, func(j *postgres.IngestionJob) {
		now := time.Now().UTC()
		j.Status = postgres.JobCompleted
		j.CompletedAt = &now
	})
}

func (m *MemJobs) MarkFailed(_ context.Context, id string, msg string) error {
	return m.update(id, func(j *postgres.IngestionJob) {
		now := time.Now().UTC()
		j.Status = postgres.JobFailed
		j.ErrorMessage = &msg
		j.CompletedAt = &now
	})
}

func (m *MemJobs) UpdateProgress(_ context.Context, id string, fetched, stored int) error {
	return m.update(id, func(j *postgres.IngestionJob) {
		j.CandlesFetched = fetched
		j.CandlesStored = stored
	})
}

func (m *MemJobs) update(id string, fn func(*postgres.IngestionJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return postgres.ErrNotFound
	}
	fn(job)
	return nil
}

// MemSources implements SourceStore in memory.
type MemSources struct {
	mu      sync.Mutex
	sources map[string]postgres.DataSource
}

func memSourceKey(pair, timeframe, exchange string) string {
	return pair + "|" + timeframe + "|" + exchange
}

func (m *MemSources) Upsert(_ context.Context, src postgres.DataSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	m.sources[memSourceKey(src.Pair, src.Timeframe, src.Exchange)] = src
	return nil
}

func (m *MemSources) Get(_ context.Context, pair, timeframe, exchange string) (*postgres.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[memSourceKey(pair, timeframe, exchange)]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	out := src
	return &out, nil
}

// MemGaps implements GapStore in memory. Like the Postgres store, entries are
// unique on (pair, timeframe, gap_start, gap_end); re-recording a known gap is
// a no-op, so repeated detection passes leave one row per gap.
type MemGaps struct {
	mu   sync.Mutex
	gaps map[string]postgres.DataGap
}

func memGapKey(gap postgres.DataGap) string {
	return gap.Pair + "|" + gap.Timeframe + "|" +
		gap.GapStart.UTC().Format(time.RFC3339Nano) + "|" +
		gap.GapEnd.UTC().Format(time.RFC3339Nano)
}

func (m *MemGaps) Record(_ context.Context, gap postgres.DataGap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memGapKey(gap)
	if _, ok := m.gaps[key]; ok {
		return nil
	}
	if gap.ID == "" {
		gap.ID = uuid.NewString()
	}
	m.gaps[key] = gap
	return nil
}

func (m *MemGaps) ListOpen(_ context.Context, pair, timeframe string) ([]postgres.DataGap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []postgres.DataGap{}
	for _, gap := range m.gaps {
		if gap.Pair == pair && gap.Timeframe == timeframe && !gap.IsRepaired {
			out = append(out, gap)
		}
	}
	return out, nil
}

func (m *MemGaps) MarkRepaired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, gap := range m.gaps {
		if gap.ID != id {
			continue
		}
		now := time.Now().UTC()
		gap.IsRepaired = true
		gap.RepairedAt = &now
		m.gaps[key] = gap
		return nil
	}
	return postgres.ErrNotFound
}

func cloneJob(j *postgres.IngestionJob) *postgres.IngestionJob {
	out := *j
	return &out
}
