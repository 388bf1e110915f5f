package cell

import (
	"context"
	"sync"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/types"
)

// Post-close validation runs off the caller's path on a bounded pool.
// When the queue is full, submissions are dropped and logged; validation
// is advisory and must never apply back-pressure to Close.
const (
	validatorWorkers = 4
	validatorQueue   = 64
)

// ValidateFunc inspects a closed cell and returns findings. An error marks
// the validation itself as failed, not the cell.
type ValidateFunc func(ctx context.Context, projectKey, cellID string) (findings []string, err error)

// ValidatorPool runs post-close validations.
type ValidatorPool struct {
	events *event.Store
	fn     ValidateFunc

	queue chan validateJob
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

type validateJob struct {
	projectKey string
	cellID     string
}

// cellValidatedData is the audit payload of cell_validated.
type cellValidatedData struct {
	ID       string   `json:"id"`
	OK       bool     `json:"ok"`
	Findings []string `json:"findings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// NewValidatorPool builds a stopped pool; call Start before use.
func NewValidatorPool(events *event.Store, fn ValidateFunc) *ValidatorPool {
	return &ValidatorPool{
		events: events,
		fn:     fn,
		queue:  make(chan validateJob, validatorQueue),
	}
}

// Start launches the workers. Starting twice is a no-op.
func (p *ValidatorPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < validatorWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop drains queued jobs and waits for the workers. Idempotent.
func (p *ValidatorPool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.queue)
	p.wg.Wait()
}

// Submit queues a cell for validation. Returns false when the queue is
// full or the pool is stopped; the cell simply goes unvalidated.
func (p *ValidatorPool) Submit(projectKey, cellID string) bool {
	// The mutex stays held across the send: Stop marks stopped under the
	// same mutex before closing the queue, so a send can never race the
	// close. The send is non-blocking, so holding it is cheap.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.queue <- validateJob{projectKey: projectKey, cellID: cellID}:
		return true
	default:
		debug.Logf("swarm:validate", "queue full, dropping validation for %s", cellID)
		return false
	}
}

func (p *ValidatorPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.queue {
		if ctx.Err() != nil {
			return
		}
		p.run(ctx, job)
	}
}

func (p *ValidatorPool) run(ctx context.Context, job validateJob) {
	data := cellValidatedData{ID: job.cellID, OK: true}
	if p.fn != nil {
		findings, err := p.fn(ctx, job.projectKey, job.cellID)
		if err != nil {
			data.OK = false
			data.Error = err.Error()
		}
		data.Findings = findings
	}
	if _, err := p.events.Append(ctx, types.EventCellValidated, job.projectKey, data); err != nil {
		debug.Logf("swarm:validate", "record validation for %s: %v", job.cellID, err)
	}
}
