package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"video-pipeline/internal/telemetry"
)

// Manager keeps one orchestrator per tracked job.
type Manager struct {
	backend Backend
	opts    Options

	mu   sync.RWMutex
	jobs map[string]*Orchestrator
}

func NewManager(b Backend, opts Options) *Manager {
	if opts.Journal == nil {
		opts.Journal = NopJournal{}
	}
	return &Manager{
		backend: b,
		opts:    opts,
		jobs:    make(map[string]*Orchestrator),
	}
}

// Upload creates a job on the backend and starts tracking it.
func (m *Manager) Upload(ctx context.Context, filename string, r io.Reader) (*Orchestrator, error) {
	jobID, err := m.backend.Upload(ctx, filename, r)
	if err != nil {
		return nil, err
	}
	return m.Track(ctx, jobID)
}

// Track returns the orchestrator for jobID, creating it and loading its first
// snapshot when the job is not tracked yet.
func (m *Manager) Track(ctx context.Context, jobID string) (*Orchestrator, error) {
	m.mu.Lock()
	if o, ok := m.jobs[jobID]; ok {
		m.mu.Unlock()
		return o, nil
	}
	o := New(jobID, m.backend, m.opts)
	m.jobs[jobID] = o
	m.mu.Unlock()

	job, err := o.Refresh(ctx)
	if err != nil {
		m.mu.Lock()
		if m.jobs[jobID] == o {
			delete(m.jobs, jobID)
		}
		m.mu.Unlock()
		o.Close()
		return nil, fmt.Errorf("track job %s: %w", jobID, err)
	}
	if err := m.opts.Journal.TrackJob(ctx, jobID, job.Status); err != nil {
		log.Printf("pipeline: journal track job=%s err=%v", jobID, err)
	}
	m.updateGauge()
	return o, nil
}

func (m *Manager) Get(jobID string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return o, nil
}

// Jobs lists tracked job ids in lexical order.
func (m *Manager) Jobs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Release stops tracking a job. Its polls stop and subscribers are closed.
func (m *Manager) Release(ctx context.Context, jobID string) error {
	m.mu.Lock()
	o, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	o.Close()
	if err := m.opts.Journal.UntrackJob(ctx, jobID); err != nil {
		log.Printf("pipeline: journal untrack job=%s err=%v", jobID, err)
	}
	m.updateGauge()
	return nil
}

// Forget closes the job's orchestrator but leaves it in the journal, for
// processes that share the journal with others.
func (m *Manager) Forget(jobID string) {
	m.mu.Lock()
	o, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	m.mu.Unlock()
	if ok {
		o.Close()
		m.updateGauge()
	}
}

// Resume re-tracks every job in the journal. Jobs the backend no longer knows
// are logged and skipped.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	tracked, err := m.opts.Journal.TrackedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tracked jobs: %w", err)
	}
	resumed := 0
	for _, t := range tracked {
		o, err := m.Track(ctx, t.JobID)
		if err != nil {
			log.Printf("pipeline: resume job=%s err=%v", t.JobID, err)
			continue
		}
		if t.VoiceSelection >= 0 {
			o.restoreSelection(t.VoiceSelection)
		}
		resumed++
	}
	return resumed, nil
}

// Close disposes every orchestrator. Jobs stay in the journal.
func (m *Manager) Close() {
	m.mu.Lock()
	jobs := m.jobs
	m.jobs = make(map[string]*Orchestrator)
	m.mu.Unlock()
	for _, o := range jobs {
		o.Close()
	}
	m.updateGauge()
}

func (m *Manager) updateGauge() {
	m.mu.RLock()
	n := len(m.jobs)
	m.mu.RUnlock()
	telemetry.TrackedJobs.Set(float64(n))
}
