package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/contestms/grading/go/testutils/unittest"
	"github.com/contestms/grading/go/types"
)

// setupRedis returns a RedisFabric on a throwaway key prefix. Requires a
// local Redis; see unittest.RequiresRedis.
func setupRedis(t *testing.T) (context.Context, *RedisFabric) {
	unittest.RequiresRedis(t)
	client := redis.NewClient(&redis.Options{
		Addr: unittest.RedisAddr(),
	})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())
	prefix := "gradingtest:" + uuid.New().String()
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, prefix+":*", 0).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
		_ = client.Close()
	})
	return ctx, NewRedisFabric(client, prefix)
}

func TestRedisEnqueueReserveAck(t *testing.T) {
	unittest.MediumTest(t)
	ctx, f := setupRedis(t)

	id, created, err := f.Enqueue(ctx, compileJob(7), types.PRIORITY_HIGH, nil)
	require.NoError(t, err)
	require.True(t, created)

	id2, created, err := f.Enqueue(ctx, compileJob(7), types.PRIORITY_HIGH, nil)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id, id2)

	got, err := f.Reserve(ctx, []types.OperationKind{types.OPERATION_COMPILATION}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, id, got.ID)
	require.Equal(t, JOB_STATE_ACTIVE, got.State)
	require.Equal(t, int64(7), got.Job.Operation.ObjectID)

	done := got.Job.Copy()
	done.Success = true
	done.CompilationSuccess = true
	require.NoError(t, f.Ack(ctx, id, done, true))
	settled, err := f.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, JOB_STATE_SUCCEEDED, settled.State)
	require.True(t, settled.Job.CompilationSuccess)
}

func TestRedisDependencyAndBarrier(t *testing.T) {
	unittest.MediumTest(t)
	ctx, f := setupRedis(t)

	compileID, _, err := f.Enqueue(ctx, compileJob(8), types.PRIORITY_HIGH, nil)
	require.NoError(t, err)
	var evalIDs []string
	for i := 1; i <= 2; i++ {
		id, _, err := f.Enqueue(ctx, evalJob(8, fmt.Sprintf("t%d", i)), types.PRIORITY_MEDIUM, []string{compileID})
		require.NoError(t, err)
		evalIDs = append(evalIDs, id)
	}
	barrierID, err := f.EnqueueScoring(ctx, 8, 1, append([]string{compileID}, evalIDs...))
	require.NoError(t, err)

	got, err := f.Reserve(ctx, types.ValidOperationKinds, time.Second)
	require.NoError(t, err)
	require.Equal(t, compileID, got.ID)
	done := got.Job.Copy()
	done.Success = true
	done.CompilationSuccess = true
	require.NoError(t, f.Ack(ctx, compileID, done, true))

	for range evalIDs {
		got, err := f.Reserve(ctx, types.ValidOperationKinds, time.Second)
		require.NoError(t, err)
		require.Equal(t, types.OPERATION_EVALUATION, got.Job.Operation.Kind)
		res := got.Job.Copy()
		res.Success = true
		res.Outcome = 1.0
		require.NoError(t, f.Ack(ctx, got.ID, res, true))
	}

	ticket, err := f.ReserveScoring(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	require.Equal(t, barrierID, ticket.ID)
	require.Equal(t, int64(8), ticket.SubmissionID)
	require.NoError(t, f.AckScoring(ctx, ticket.ID))
}

func TestRedisEnqueueReclaimsDanglingOperationKey(t *testing.T) {
	unittest.MediumTest(t)
	ctx, f := setupRedis(t)

	// An operation key left behind by a crash between the claim and the
	// job write points at an id with no job record. It must not dedupe
	// later enqueues into that phantom id.
	job := compileJob(11)
	require.NoError(t, f.client.Set(ctx, f.opKey(job.Operation.Key()), "phantom", 0).Err())

	id, created, err := f.Enqueue(ctx, job, types.PRIORITY_HIGH, nil)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, "phantom", id)

	got, err := f.Reserve(ctx, []types.OperationKind{types.OPERATION_COMPILATION}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, id, got.ID)

	// With the job record in place the key still dedupes.
	id2, created, err := f.Enqueue(ctx, compileJob(11), types.PRIORITY_HIGH, nil)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id, id2)
}

func TestRedisCancelSkipsStaleListEntry(t *testing.T) {
	unittest.MediumTest(t)
	ctx, f := setupRedis(t)

	id, _, err := f.Enqueue(ctx, compileJob(9), types.PRIORITY_HIGH, nil)
	require.NoError(t, err)
	require.NoError(t, f.Cancel(ctx, id, "withdrawn"))

	// The canceled job must not be dispatched even if its list entry
	// lingers.
	got, err := f.Reserve(ctx, types.ValidOperationKinds, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}
