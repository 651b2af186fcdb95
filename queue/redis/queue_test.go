package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/entityflow/entitycore/message"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	return &Queue{
		client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		ctx:    context.Background(),
		prefix: "test:queue:",
	}
}

func testJob(externalID string) Job {
	return Job{
		QueueName: "entity.processing",
		Message: message.NewEntityMessage(message.EntityReference{
			ExternalID:    externalID,
			CanonicalType: "order",
			Source:        "shop",
			TenantID:      "tenant-a",
		}, nil),
		EnqueuedAt: time.Now(),
	}
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)

	job := testJob("ext-1")
	require.NoError(t, q.Enqueue(job))

	got, err := q.Dequeue("entity.processing", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, job.Message.MessageID, got.Message.MessageID)
	require.Equal(t, "ext-1", got.Message.EntityReference.ExternalID)
}

func TestDequeueTimesOutWithNoJob(t *testing.T) {
	q := newTestQueue(t)

	got, err := q.Dequeue("entity.processing", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMarkProcessingAndCompleteJob(t *testing.T) {
	q := newTestQueue(t)
	job := testJob("ext-2")

	require.NoError(t, q.MarkProcessing(job.JobID(), time.Now().Add(time.Minute)))

	processing, err := q.IsProcessing(job.JobID())
	require.NoError(t, err)
	require.True(t, processing)

	require.NoError(t, q.CompleteJob(job.JobID()))

	processing, err = q.IsProcessing(job.JobID())
	require.NoError(t, err)
	require.False(t, processing)
}

func TestFailJobRequeuesWithIncrementedRetryCount(t *testing.T) {
	q := newTestQueue(t)
	job := testJob("ext-3")
	require.NoError(t, q.MarkProcessing(job.JobID(), time.Now().Add(time.Minute)))

	require.NoError(t, q.FailJob(job, true))

	depth, err := q.GetQueueDepth(job.QueueName)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	requeued, err := q.Dequeue(job.QueueName, time.Second)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	require.Equal(t, 1, requeued.RetryCount)

	processing, err := q.IsProcessing(job.JobID())
	require.NoError(t, err)
	require.False(t, processing, "FailJob must clear the in-flight entry before requeuing")
}

func TestFailJobWithoutRequeueDropsJob(t *testing.T) {
	q := newTestQueue(t)
	job := testJob("ext-4")
	require.NoError(t, q.MarkProcessing(job.JobID(), time.Now().Add(time.Minute)))

	require.NoError(t, q.FailJob(job, false))

	depth, err := q.GetQueueDepth(job.QueueName)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestGetQueueDepth(t *testing.T) {
	q := newTestQueue(t)

	depth, err := q.GetQueueDepth("entity.processing")
	require.NoError(t, err)
	require.Equal(t, 0, depth)

	require.NoError(t, q.Enqueue(testJob("ext-5")))
	require.NoError(t, q.Enqueue(testJob("ext-6")))

	depth, err = q.GetQueueDepth("entity.processing")
	require.NoError(t, err)
	require.Equal(t, 2, depth)
}
