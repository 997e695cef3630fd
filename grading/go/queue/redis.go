package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/contestms/grading/go/sklog"
	"github.com/contestms/grading/go/types"
)

const (
	// terminalTTL bounds how long settled job records stay around for
	// inspection before Redis reclaims them.
	terminalTTL = 24 * time.Hour

	// heartbeatTTL is how long a worker heartbeat key lives without
	// renewal.
	heartbeatTTL = time.Minute
)

// promoteScript settles one prerequisite of a waiting entry and, if it was
// the last one, moves the entry from deferred to its ready list. Runs
// atomically so that two concurrent settles cannot both promote.
//
// KEYS[1] = remaining-deps set, KEYS[2] = job hash, KEYS[3] = ready list
// ARGV[1] = settled prerequisite id, ARGV[2] = waiting entry id
var promoteScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 and redis.call('HGET', KEYS[2], 'state') == 'deferred' then
	redis.call('HSET', KEYS[2], 'state', 'pending')
	redis.call('RPUSH', KEYS[3], ARGV[2])
	return 1
end
return 0
`)

// claimScript flips a popped job from pending to active. A job canceled
// while still sitting in its cell list fails the claim and the worker moves
// on.
//
// KEYS[1] = job hash
var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'pending' then
	redis.call('HSET', KEYS[1], 'state', 'active')
	return 1
end
return 0
`)

// claimOpScript claims an operation key for a new job id, or returns the
// current holder's id. A holder whose job hash is missing means an enqueuer
// crashed between the claim and the job write; such a key is re-claimed so
// the operation cannot dedupe into a phantom id forever. The job key is
// built inside the script, which is fine on a single Redis instance.
//
// KEYS[1] = op key
// ARGV[1] = new job id, ARGV[2] = job key prefix
var claimOpScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[1])
if prev and redis.call('EXISTS', ARGV[2] .. prev) == 1 then
	return prev
end
redis.call('SET', KEYS[1], ARGV[1])
return ''
`)

// cancelScript moves a pending or deferred job to canceled and returns the
// prior state, or '' if the job was active or already terminal.
//
// KEYS[1] = job hash
// ARGV[1] = cause
var cancelScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'state')
if s == 'pending' or s == 'deferred' then
	redis.call('HSET', KEYS[1], 'state', 'canceled', 'cause', ARGV[1])
	return s
end
return ''
`)

// RedisFabric is the production Fabric, shared by the orchestrator and all
// worker shards through one Redis instance.
type RedisFabric struct {
	client *redis.Client
	prefix string
}

// NewRedisFabric returns a RedisFabric on the given client. prefix
// namespaces all keys, eg. one prefix per contest.
func NewRedisFabric(client *redis.Client, prefix string) *RedisFabric {
	if prefix == "" {
		prefix = "grading"
	}
	return &RedisFabric{
		client: client,
		prefix: prefix,
	}
}

func (f *RedisFabric) jobKey(id string) string {
	return f.prefix + ":job:" + id
}

func (f *RedisFabric) depsKey(id string) string {
	return f.prefix + ":deps:" + id
}

func (f *RedisFabric) rdepsKey(id string) string {
	return f.prefix + ":rdeps:" + id
}

func (f *RedisFabric) opKey(key string) string {
	return f.prefix + ":op:" + key
}

func (f *RedisFabric) objKey(objectID int64) string {
	return f.prefix + ":byobj:" + strconv.FormatInt(objectID, 10)
}

func (f *RedisFabric) cellKey(kind types.OperationKind, priority types.Priority) string {
	return f.prefix + ":q:" + CellName(kind, priority)
}

func (f *RedisFabric) scoringKey() string {
	return f.prefix + ":q:scoring"
}

func (f *RedisFabric) ingressKey() string {
	return f.prefix + ":q:new_submission"
}

// redisJob is the hash representation of a job or scoring barrier.
type redisJob struct {
	id           string
	payload      *types.Job
	kind         types.OperationKind
	priority     types.Priority
	state        JobState
	cause        string
	dependsOn    []string
	barrier      bool
	submissionID int64
	datasetID    int64
}

func (f *RedisFabric) loadJob(ctx context.Context, id string) (*redisJob, error) {
	vals, err := f.client.HGetAll(ctx, f.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "loading job %s", id)
	}
	if len(vals) == 0 {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	j := &redisJob{
		id:      id,
		kind:    types.OperationKind(vals["kind"]),
		state:   JobState(vals["state"]),
		cause:   vals["cause"],
		barrier: vals["barrier"] == "1",
	}
	if p, err := strconv.Atoi(vals["priority"]); err == nil {
		j.priority = types.Priority(p)
	}
	if raw := vals["payload"]; raw != "" {
		j.payload, err = types.DecodeJob([]byte(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "decoding payload of job %s", id)
		}
	}
	if raw := vals["deps"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.dependsOn); err != nil {
			return nil, errors.Wrapf(err, "decoding deps of job %s", id)
		}
	}
	j.submissionID, _ = strconv.ParseInt(vals["submissionId"], 10, 64)
	j.datasetID, _ = strconv.ParseInt(vals["datasetId"], 10, 64)
	return j, nil
}

func (f *RedisFabric) export(j *redisJob) *EnqueuedJob {
	return &EnqueuedJob{
		ID:        j.id,
		Job:       j.payload,
		Priority:  j.priority,
		State:     j.state,
		Cause:     j.cause,
		DependsOn: j.dependsOn,
	}
}

// Enqueue implements Fabric.
func (f *RedisFabric) Enqueue(ctx context.Context, job *types.Job, priority types.Priority, dependsOn []string) (string, bool, error) {
	if !job.Operation.Kind.Valid() {
		return "", false, errors.Errorf("invalid operation kind %q", job.Operation.Kind)
	}
	id := newJobID()
	opKey := f.opKey(job.Operation.Key())

	// The claim script is the deduplication point: the first enqueuer of
	// an Operation claims the key, everyone else reads the winner's id.
	prev, err := claimOpScript.Run(ctx, f.client, []string{opKey}, id, f.prefix+":job:").Text()
	if err != nil {
		return "", false, errors.Wrap(err, "claiming operation key")
	}
	if prev != "" {
		return prev, false, nil
	}

	payload, err := types.EncodeJob(job)
	if err != nil {
		return "", false, errors.Wrap(err, "encoding job payload")
	}
	deps, err := json.Marshal(dependsOn)
	if err != nil {
		return "", false, errors.Wrap(err, "encoding job deps")
	}
	fields := map[string]interface{}{
		"payload":  string(payload),
		"kind":     string(job.Operation.Kind),
		"priority": int(priority),
		"state":    string(JOB_STATE_DEFERRED),
		"opkey":    job.Operation.Key(),
		"deps":     string(deps),
	}
	if err := f.client.HSet(ctx, f.jobKey(id), fields).Err(); err != nil {
		return "", false, errors.Wrapf(err, "storing job %s", id)
	}
	if err := f.client.SAdd(ctx, f.objKey(job.Operation.ObjectID), id).Err(); err != nil {
		return "", false, errors.Wrap(err, "indexing job by object")
	}

	// Register against unsettled prerequisites; prerequisites which
	// already settled are resolved inline.
	remaining := 0
	for _, depID := range dependsOn {
		dep, err := f.loadJob(ctx, depID)
		if err != nil {
			return "", false, err
		}
		switch dep.state {
		case JOB_STATE_SUCCEEDED:
			// Already satisfied.
		case JOB_STATE_FAILED:
			return id, true, f.finalizeCancel(ctx, id, job.Operation.Key(), job.Operation.ObjectID, CAUSE_UPSTREAM_FAILED)
		case JOB_STATE_CANCELED:
			return id, true, f.finalizeCancel(ctx, id, job.Operation.Key(), job.Operation.ObjectID, CAUSE_UPSTREAM_CANCELED)
		default:
			pipe := f.client.Pipeline()
			pipe.SAdd(ctx, f.depsKey(id), depID)
			pipe.SAdd(ctx, f.rdepsKey(depID), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return "", false, errors.Wrapf(err, "registering dependency %s", depID)
			}
			remaining++
		}
	}
	if remaining == 0 {
		pipe := f.client.Pipeline()
		pipe.HSet(ctx, f.jobKey(id), "state", string(JOB_STATE_PENDING))
		pipe.RPush(ctx, f.cellKey(job.Operation.Kind, priority), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return "", false, errors.Wrapf(err, "making job %s pending", id)
		}
	}
	return id, true, nil
}

// finalizeCancel marks a just-created job canceled because a prerequisite
// had already settled badly by the time it was enqueued.
func (f *RedisFabric) finalizeCancel(ctx context.Context, id, opKey string, objectID int64, cause string) error {
	pipe := f.client.Pipeline()
	pipe.HSet(ctx, f.jobKey(id), "state", string(JOB_STATE_CANCELED), "cause", cause)
	pipe.Del(ctx, f.opKey(opKey))
	pipe.SRem(ctx, f.objKey(objectID), id)
	pipe.Expire(ctx, f.jobKey(id), terminalTTL)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "canceling job %s at enqueue", id)
}

// Reserve implements Fabric. Uses BLPOP over the cell lists in priority-major
// order; Redis scans the keys in the given order, which yields the
// best-priority-first discipline.
func (f *RedisFabric) Reserve(ctx context.Context, kinds []types.OperationKind, timeout time.Duration) (*EnqueuedJob, error) {
	keys := make([]string, 0, len(types.Priorities)*len(kinds))
	for _, pri := range types.Priorities {
		for _, kind := range kinds {
			keys = append(keys, f.cellKey(kind, pri))
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		res, err := f.client.BLPop(ctx, remaining, keys...).Result()
		if err == redis.Nil {
			return nil, nil
		} else if err != nil {
			return nil, errors.Wrap(err, "popping from cell lists")
		}
		id := res[1]
		claimed, err := claimScript.Run(ctx, f.client, []string{f.jobKey(id)}).Int()
		if err != nil {
			return nil, errors.Wrapf(err, "claiming job %s", id)
		}
		if claimed == 0 {
			// Canceled while queued; its list entry is stale.
			continue
		}
		j, err := f.loadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return f.export(j), nil
	}
}

// Ack implements Fabric.
func (f *RedisFabric) Ack(ctx context.Context, id string, job *types.Job, ok bool) error {
	j, err := f.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if j.state != JOB_STATE_ACTIVE {
		return errors.Errorf("job %s is %s, not active", id, j.state)
	}
	payload, err := types.EncodeJob(job)
	if err != nil {
		return errors.Wrap(err, "encoding job payload")
	}
	state := JOB_STATE_SUCCEEDED
	if !ok {
		state = JOB_STATE_FAILED
	}
	pipe := f.client.Pipeline()
	pipe.HSet(ctx, f.jobKey(id), "payload", string(payload), "state", string(state))
	pipe.Del(ctx, f.opKey(job.Operation.Key()))
	pipe.SRem(ctx, f.objKey(job.Operation.ObjectID), id)
	pipe.Expire(ctx, f.jobKey(id), terminalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "settling job %s", id)
	}
	return f.propagate(ctx, id, state)
}

// propagate applies one settle to every entry waiting on the job.
func (f *RedisFabric) propagate(ctx context.Context, id string, state JobState) error {
	dependents, err := f.client.SMembers(ctx, f.rdepsKey(id)).Result()
	if err != nil {
		return errors.Wrapf(err, "listing dependents of %s", id)
	}
	for _, depID := range dependents {
		d, err := f.loadJob(ctx, depID)
		if err == nil && d.state.Terminal() {
			continue
		} else if err != nil {
			// The dependent record may have expired; nothing to wake.
			sklog.Warningf("Dependent %s of %s is gone: %s", depID, id, err)
			continue
		}
		if d.barrier {
			// Barriers observe any settle.
			keys := []string{f.depsKey(depID), f.jobKey(depID), f.scoringKey()}
			if err := promoteScript.Run(ctx, f.client, keys, id, depID).Err(); err != nil {
				return errors.Wrapf(err, "promoting barrier %s", depID)
			}
			continue
		}
		switch state {
		case JOB_STATE_SUCCEEDED:
			keys := []string{f.depsKey(depID), f.jobKey(depID), f.cellKey(d.kind, d.priority)}
			if err := promoteScript.Run(ctx, f.client, keys, id, depID).Err(); err != nil {
				return errors.Wrapf(err, "promoting job %s", depID)
			}
		case JOB_STATE_FAILED:
			if err := f.Cancel(ctx, depID, CAUSE_UPSTREAM_FAILED); err != nil {
				return err
			}
		case JOB_STATE_CANCELED:
			if err := f.Cancel(ctx, depID, CAUSE_UPSTREAM_CANCELED); err != nil {
				return err
			}
		}
	}
	if err := f.client.Expire(ctx, f.rdepsKey(id), terminalTTL).Err(); err != nil {
		return errors.Wrapf(err, "expiring rdeps of %s", id)
	}
	return nil
}

// Requeue implements Fabric.
func (f *RedisFabric) Requeue(ctx context.Context, id string, job *types.Job, priority types.Priority) error {
	j, err := f.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if j.state != JOB_STATE_ACTIVE {
		return errors.Errorf("job %s is %s, not active", id, j.state)
	}
	payload, err := types.EncodeJob(job)
	if err != nil {
		return errors.Wrap(err, "encoding job payload")
	}
	pipe := f.client.Pipeline()
	pipe.HSet(ctx, f.jobKey(id),
		"payload", string(payload),
		"priority", int(priority),
		"state", string(JOB_STATE_PENDING))
	pipe.RPush(ctx, f.cellKey(job.Operation.Kind, priority), id)
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "requeueing job %s", id)
}

// Cancel implements Fabric.
func (f *RedisFabric) Cancel(ctx context.Context, id string, cause string) error {
	j, err := f.loadJob(ctx, id)
	if err != nil {
		return err
	}
	prior, err := cancelScript.Run(ctx, f.client, []string{f.jobKey(id)}, cause).Text()
	if err != nil {
		return errors.Wrapf(err, "canceling job %s", id)
	}
	if prior == "" {
		// Active or already terminal.
		return nil
	}
	pipe := f.client.Pipeline()
	if prior == string(JOB_STATE_PENDING) && !j.barrier {
		pipe.LRem(ctx, f.cellKey(j.kind, j.priority), 1, id)
	}
	if j.payload != nil {
		pipe.Del(ctx, f.opKey(j.payload.Operation.Key()))
		pipe.SRem(ctx, f.objKey(j.payload.Operation.ObjectID), id)
	}
	pipe.Expire(ctx, f.jobKey(id), terminalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "cleaning up canceled job %s", id)
	}
	return f.propagate(ctx, id, JOB_STATE_CANCELED)
}

// CancelObject implements Fabric.
func (f *RedisFabric) CancelObject(ctx context.Context, objectID int64, userTest bool, cause string) error {
	ids, err := f.client.SMembers(ctx, f.objKey(objectID)).Result()
	if err != nil {
		return errors.Wrapf(err, "listing jobs for object %d", objectID)
	}
	for _, id := range ids {
		j, err := f.loadJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		// A submission and a user test may share a numeric id; cancel
		// only the kind class the caller named.
		if j.kind.ForSubmission() == userTest {
			continue
		}
		if err := f.Cancel(ctx, id, cause); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Get implements Fabric.
func (f *RedisFabric) Get(ctx context.Context, id string) (*EnqueuedJob, error) {
	j, err := f.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.barrier {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return f.export(j), nil
}

// Depth implements Fabric.
func (f *RedisFabric) Depth(ctx context.Context, kind types.OperationKind, priority types.Priority) (int, error) {
	n, err := f.client.LLen(ctx, f.cellKey(kind, priority)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "measuring cell depth")
	}
	return int(n), nil
}

// EnqueueSubmission implements Fabric.
func (f *RedisFabric) EnqueueSubmission(ctx context.Context, ticket SubmissionTicket) error {
	b, err := json.Marshal(ticket)
	if err != nil {
		return errors.Wrap(err, "encoding submission ticket")
	}
	return errors.Wrap(f.client.RPush(ctx, f.ingressKey(), string(b)).Err(), "enqueueing submission ticket")
}

// ReserveSubmission implements Fabric.
func (f *RedisFabric) ReserveSubmission(ctx context.Context, timeout time.Duration) (*SubmissionTicket, error) {
	res, err := f.client.BLPop(ctx, timeout, f.ingressKey()).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "popping submission ticket")
	}
	var ticket SubmissionTicket
	if err := json.Unmarshal([]byte(res[1]), &ticket); err != nil {
		return nil, errors.Wrap(err, "decoding submission ticket")
	}
	return &ticket, nil
}

// EnqueueScoring implements Fabric.
func (f *RedisFabric) EnqueueScoring(ctx context.Context, submissionID, datasetID int64, dependsOn []string) (string, error) {
	id := newJobID()
	deps, err := json.Marshal(dependsOn)
	if err != nil {
		return "", errors.Wrap(err, "encoding barrier deps")
	}
	fields := map[string]interface{}{
		"state":        string(JOB_STATE_DEFERRED),
		"barrier":      "1",
		"deps":         string(deps),
		"submissionId": submissionID,
		"datasetId":    datasetID,
	}
	if err := f.client.HSet(ctx, f.jobKey(id), fields).Err(); err != nil {
		return "", errors.Wrapf(err, "storing barrier %s", id)
	}
	remaining := 0
	for _, depID := range dependsOn {
		dep, err := f.loadJob(ctx, depID)
		if err != nil {
			return "", err
		}
		if dep.state.Terminal() {
			continue
		}
		pipe := f.client.Pipeline()
		pipe.SAdd(ctx, f.depsKey(id), depID)
		pipe.SAdd(ctx, f.rdepsKey(depID), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return "", errors.Wrapf(err, "registering barrier dependency %s", depID)
		}
		remaining++
	}
	if remaining == 0 {
		pipe := f.client.Pipeline()
		pipe.HSet(ctx, f.jobKey(id), "state", string(JOB_STATE_PENDING))
		pipe.RPush(ctx, f.scoringKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return "", errors.Wrapf(err, "making barrier %s ready", id)
		}
	}
	return id, nil
}

// ReserveScoring implements Fabric.
func (f *RedisFabric) ReserveScoring(ctx context.Context, timeout time.Duration) (*ScoringTicket, error) {
	res, err := f.client.BLPop(ctx, timeout, f.scoringKey()).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "popping scoring barrier")
	}
	id := res[1]
	if err := f.client.HSet(ctx, f.jobKey(id), "state", string(JOB_STATE_ACTIVE)).Err(); err != nil {
		return nil, errors.Wrapf(err, "claiming barrier %s", id)
	}
	j, err := f.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ScoringTicket{
		ID:           id,
		SubmissionID: j.submissionID,
		DatasetID:    j.datasetID,
		DependsOn:    j.dependsOn,
	}, nil
}

// AckScoring implements Fabric.
func (f *RedisFabric) AckScoring(ctx context.Context, id string) error {
	pipe := f.client.Pipeline()
	pipe.HSet(ctx, f.jobKey(id), "state", string(JOB_STATE_SUCCEEDED))
	pipe.Expire(ctx, f.jobKey(id), terminalTTL)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "settling barrier %s", id)
}

// Heartbeat implements Fabric.
func (f *RedisFabric) Heartbeat(ctx context.Context, shard string) error {
	key := f.prefix + ":hb:" + shard
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return errors.Wrap(f.client.Set(ctx, key, ts, heartbeatTTL).Err(), "recording heartbeat")
}

var _ Fabric = &RedisFabric{}
