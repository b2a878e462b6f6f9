package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"LeapsEngine/internal/domain/models"
	svccache "LeapsEngine/internal/service/cache"
	xhttp "LeapsEngine/pkg/http"
	"LeapsEngine/pkg/logger"
	"LeapsEngine/pkg/queue"
)

const (
	BacktestJobType = "backtest.run"
	backtestJobName = "backtest-runner"
	jobKeyPrefix    = "backtest:job:"
)

var (
	ErrJobNotFound  = errors.New("backtest job not found")
	ErrJobsDisabled = errors.New("async backtests are disabled")
)

// Enqueuer is the producing half of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msgType string, payload interface{}) (string, error)
}

type backtestJobPayload struct {
	JobID  string                `json:"job_id"`
	Params models.BacktestParams `json:"params"`
}

// BacktestJobs runs backtests out of band: Submit records a queued job and
// enqueues it, Handle (as a queue.Job) executes it, Status reads it back.
type BacktestJobs struct {
	runner *Backtester
	queue  Enqueuer
	store  svccache.BytesCache
	ttl    time.Duration
	log    *logger.Logger
	now    func() time.Time
}

type JobsOption func(*BacktestJobs)

func WithJobQueue(q Enqueuer) JobsOption            { return func(j *BacktestJobs) { j.queue = q } }
func WithJobTTL(d time.Duration) JobsOption         { return func(j *BacktestJobs) { j.ttl = d } }
func WithJobsLogger(l *logger.Logger) JobsOption    { return func(j *BacktestJobs) { j.log = l } }
func WithJobsClock(now func() time.Time) JobsOption { return func(j *BacktestJobs) { j.now = now } }

func NewBacktestJobs(runner *Backtester, store svccache.BytesCache, opts ...JobsOption) *BacktestJobs {
	j := &BacktestJobs{
		runner: runner,
		store:  store,
		ttl:    24 * time.Hour,
		log:    logger.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Submit validates params and queues a run. The returned job is in JobQueued.
func (j *BacktestJobs) Submit(ctx context.Context, params models.BacktestParams) (models.BacktestJob, error) {
	if j.queue == nil {
		return models.BacktestJob{}, ErrJobsDisabled
	}
	if err := xhttp.ValidateStruct(ctx, &params); err != nil {
		return models.BacktestJob{}, fmt.Errorf("backtest params: %w", err)
	}
	now := j.now()
	job := models.BacktestJob{
		ID:          uuid.NewString(),
		State:       models.JobQueued,
		Params:      params,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := j.save(ctx, job); err != nil {
		return models.BacktestJob{}, err
	}
	if _, err := j.queue.Enqueue(ctx, BacktestJobType, backtestJobPayload{JobID: job.ID, Params: params}); err != nil {
		return models.BacktestJob{}, fmt.Errorf("enqueue backtest: %w", err)
	}
	return job, nil
}

func (j *BacktestJobs) Status(ctx context.Context, id string) (models.BacktestJob, error) {
	b, ok, err := j.store.GetBytes(ctx, jobKeyPrefix+id)
	if err != nil {
		return models.BacktestJob{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if !ok {
		return models.BacktestJob{}, ErrJobNotFound
	}
	var job models.BacktestJob
	if err := json.Unmarshal(b, &job); err != nil {
		return models.BacktestJob{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (j *BacktestJobs) Name() string { return backtestJobName }
func (j *BacktestJobs) Type() string { return BacktestJobType }

// Handle runs one queued backtest. Only cancellation is returned for retry;
// a failed run is final and recorded on the job.
func (j *BacktestJobs) Handle(ctx context.Context, payload json.RawMessage) error {
	p, err := queue.Decode[backtestJobPayload](payload)
	if err != nil {
		j.log.Error("drop backtest job", logger.Error(err))
		return nil
	}

	job := models.BacktestJob{ID: p.JobID, Params: p.Params, SubmittedAt: j.now()}
	if prev, err := j.Status(ctx, p.JobID); err == nil {
		job.SubmittedAt = prev.SubmittedAt
	}
	job.State = models.JobRunning
	job.UpdatedAt = j.now()
	if err := j.save(ctx, job); err != nil {
		return err
	}

	res, runErr := j.runner.Run(ctx, p.Params)
	job.UpdatedAt = j.now()
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		job.State = models.JobQueued
		_ = j.save(context.Background(), job)
		return runErr
	case runErr != nil:
		job.State = models.JobFailed
		job.Error = runErr.Error()
	default:
		job.State = models.JobDone
		job.Result = res
	}
	j.log.Info("backtest job finished", logger.String("job", job.ID), logger.String("state", string(job.State)))
	return j.save(ctx, job)
}

func (j *BacktestJobs) save(ctx context.Context, job models.BacktestJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := j.store.SetBytes(ctx, jobKeyPrefix+job.ID, b, j.ttl); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

var _ queue.Job = (*BacktestJobs)(nil)
