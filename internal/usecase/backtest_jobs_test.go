package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeapsEngine/internal/domain/models"
	svccache "LeapsEngine/internal/service/cache"
)

type captureQueue struct {
	msgType string
	payload []byte
}

func (q *captureQueue) Enqueue(_ context.Context, msgType string, payload interface{}) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	q.msgType, q.payload = msgType, b
	return "msg-1", nil
}

func TestBacktestJobsLifecycle(t *testing.T) {
	q := &captureQueue{}
	store := svccache.NewTTLCache()
	runner := NewBacktester(WithPriceHistory(brokenHistory{}), WithBacktestClock(fixedClock))
	jobs := NewBacktestJobs(runner, store, WithJobQueue(q), WithJobsClock(fixedClock))

	job, err := jobs.Submit(context.Background(), backtestParams(3, "SPY"))
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.State)
	assert.Equal(t, BacktestJobType, q.msgType)

	got, err := jobs.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.State)

	require.NoError(t, jobs.Handle(context.Background(), json.RawMessage(q.payload)))

	got, err = jobs.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, 3, got.Result.Skipped)
	assert.Equal(t, testAsOf, got.SubmittedAt)
}

func TestBacktestJobsFailedRun(t *testing.T) {
	store := svccache.NewTTLCache()
	jobs := NewBacktestJobs(NewBacktester(), store)

	payload, err := json.Marshal(backtestJobPayload{JobID: "bad", Params: models.BacktestParams{}})
	require.NoError(t, err)
	require.NoError(t, jobs.Handle(context.Background(), json.RawMessage(payload)))

	got, err := jobs.Status(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.State)
	assert.NotEmpty(t, got.Error)
}

func TestBacktestJobsErrors(t *testing.T) {
	jobs := NewBacktestJobs(NewBacktester(), svccache.NewTTLCache())
	_, err := jobs.Submit(context.Background(), backtestParams(3, "SPY"))
	assert.ErrorIs(t, err, ErrJobsDisabled)

	_, err = jobs.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs = NewBacktestJobs(NewBacktester(), svccache.NewTTLCache(), WithJobQueue(&captureQueue{}))
	_, err = jobs.Submit(context.Background(), models.BacktestParams{})
	assert.Error(t, err)

	assert.NoError(t, jobs.Handle(context.Background(), json.RawMessage(`42`)))
}
