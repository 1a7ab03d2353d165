package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcrm/reconciler/jobs"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	info *asynq.QueueInfo
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, nil }

func (s stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return nil, nil
}

func (s stubInspector) Close() error { return nil }

func TestJobsCLITrigger(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq, retention: 24 * time.Hour}

	info, err := c.Trigger(context.Background(), jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskIdempotencyCleanup, info.Type)

	var payload jobs.IdempotencyCleanupPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, 24, payload.RetentionHours)

	_, err = c.Trigger(context.Background(), "gl:integrity")
	assert.Error(t, err)
}

func TestJobsCLIRun(t *testing.T) {
	c := &JobsCLI{
		client:    &stubEnqueuer{},
		inspector: stubInspector{info: &asynq.QueueInfo{Pending: 3, Retry: 1}},
	}
	ctx := context.Background()

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	require.Equal(t, 0, c.Run(ctx, []string{"trigger", jobs.TaskDeliveryIndexRefresh}, stdout, stderr))
	assert.Contains(t, stdout.String(), jobs.TaskDeliveryIndexRefresh)

	stdout.Reset()
	require.Equal(t, 0, c.Run(ctx, []string{"stats"}, stdout, stderr))
	var stats QueueStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Retry)

	assert.Equal(t, 2, c.Run(ctx, nil, stdout, stderr))
	assert.Equal(t, 2, c.Run(ctx, []string{"purge"}, stdout, stderr))
}
