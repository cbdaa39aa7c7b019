package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/shipit/pkg/api"
)

// RedisStore implements InstanceStore, Inbox and EventStore on Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<workflowID>:<runID>           => gob-encoded redisInstancePayload
//	<prefix>idx:all                             => SET of instance keys
//	<prefix>idx:wf:<workflow>                   => SET of instance keys for a workflow name
//	<prefix>seq                                 => global inbox sequence counter
//	<prefix>inbox:<workflowID>:<runID>:seen     => HASH event ID -> seq
//	<prefix>inbox:<workflowID>:<runID>:pending  => ZSET of unacked seqs
//	<prefix>inbox:<workflowID>:<runID>:entries  => HASH seq -> gob-encoded redisInboxPayload
//	<prefix>hist:<workflowID>:<runID>           => LIST of gob-encoded api.WorkflowEvent
//
// Index entries are written before the instance key, so an index may name
// an instance that was never saved; ListInstances skips those and re-checks
// every filter against the decoded payload.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ InstanceStore = (*RedisStore)(nil)
	_ Inbox         = (*RedisStore)(nil)
	_ EventStore    = (*RedisStore)(nil)
)

type redisInstancePayload struct {
	WorkflowID string
	RunID      string
	Workflow   string
	Status     string
	Vars       []byte
	Error      string
	CreatedAt  int64
	UpdatedAt  int64
}

type redisInboxPayload struct {
	EventID    string
	Name       string
	Payload    []byte
	EnqueuedAt int64
}

// pushScript dedupes and enqueues in one step. Nothing is written until
// the sequence has been allocated, so a failed push leaves no seen mark.
//
//	KEYS: seen, seq, entries, pending
//	ARGV: event ID ("" for none), encoded entry
//
// It returns the new sequence, or -1 for a duplicate ID.
var pushScript = redis.NewScript(`
local id = ARGV[1]
if id ~= '' and redis.call('HEXISTS', KEYS[1], id) == 1 then
	return -1
end
local seq = redis.call('INCR', KEYS[2])
local field = tostring(seq)
redis.call('HSET', KEYS[3], field, ARGV[2])
redis.call('ZADD', KEYS[4], seq, field)
if id ~= '' then
	redis.call('HSET', KEYS[1], id, seq)
end
return seq
`)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "shipit:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "shipit:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// Persistence returns a Persistence bundle backed entirely by s.
func (s *RedisStore) Persistence() Persistence {
	return Persistence{Instances: s, Inbox: s, Events: s}
}

func (s *RedisStore) keyInstance(workflowID, runID string) string {
	return s.prefix + "inst:" + workflowID + ":" + runID
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisStore) keySeq() string {
	return s.prefix + "seq"
}

func (s *RedisStore) keyInbox(workflowID, runID, part string) string {
	return s.prefix + "inbox:" + workflowID + ":" + runID + ":" + part
}

func (s *RedisStore) keyHistory(workflowID, runID string) string {
	return s.prefix + "hist:" + workflowID + ":" + runID
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func encodeRedisInstance(inst *api.WorkflowInstance) ([]byte, error) {
	vars, err := encodeVars(inst.Vars)
	if err != nil {
		return nil, err
	}
	return gobEncode(&redisInstancePayload{
		WorkflowID: inst.WorkflowID,
		RunID:      inst.RunID,
		Workflow:   inst.Name,
		Status:     string(inst.Status),
		Vars:       vars,
		Error:      errString(inst.Err),
		CreatedAt:  inst.CreatedAt.UnixNano(),
		UpdatedAt:  inst.UpdatedAt.UnixNano(),
	})
}

func decodeRedisInstance(data []byte) (*api.WorkflowInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	var payload redisInstancePayload
	if err := gobDecode(data, &payload); err != nil {
		return nil, err
	}
	vars, err := decodeVars(payload.Vars)
	if err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		WorkflowID: payload.WorkflowID,
		RunID:      payload.RunID,
		Name:       payload.Workflow,
		Status:     api.Status(payload.Status),
		Vars:       vars,
		CreatedAt:  time.Unix(0, payload.CreatedAt),
		UpdatedAt:  time.Unix(0, payload.UpdatedAt),
	}
	if payload.Error != "" {
		inst.Err = errors.New(payload.Error)
	}
	return inst, nil
}

func (s *RedisStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}

	// Recover finds runs through idx:all, so the instance is only written
	// once it is indexed.
	key := s.keyInstance(inst.WorkflowID, inst.RunID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), key)
	pipe.SAdd(ctx, s.keyWorkflow(inst.Name), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index instance: %w", err)
	}

	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceExists
	}
	return nil
}

func (s *RedisStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}

	ok, err := s.client.SetXX(ctx, s.keyInstance(inst.WorkflowID, inst.RunID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *RedisStore) GetInstance(ctx context.Context, workflowID, runID string) (*api.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(workflowID, runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisInstance(data)
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	indexKey := s.keyAll()
	if filter.WorkflowName != "" {
		indexKey = s.keyWorkflow(filter.WorkflowName)
	}

	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var result []*api.WorkflowInstance
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		inst, err := decodeRedisInstance([]byte(str))
		if err != nil {
			return nil, err
		}
		if filter.match(inst) {
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *RedisStore) Push(ctx context.Context, workflowID, runID string, ev api.Event) (int64, bool, error) {
	data, err := gobEncode(&redisInboxPayload{
		EventID:    ev.ID,
		Name:       ev.Name,
		Payload:    ev.Payload,
		EnqueuedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return 0, false, err
	}

	keys := []string{
		s.keyInbox(workflowID, runID, "seen"),
		s.keySeq(),
		s.keyInbox(workflowID, runID, "entries"),
		s.keyInbox(workflowID, runID, "pending"),
	}
	seq, err := pushScript.Run(ctx, s.client, keys, ev.ID, data).Int64()
	if err != nil {
		return 0, false, err
	}
	if seq < 0 {
		return 0, true, nil
	}
	return seq, false, nil
}

func (s *RedisStore) Ack(ctx context.Context, workflowID, runID string, seq int64) error {
	field := strconv.FormatInt(seq, 10)
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.keyInbox(workflowID, runID, "pending"), field)
	pipe.HDel(ctx, s.keyInbox(workflowID, runID, "entries"), field)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Pending(ctx context.Context, workflowID, runID string) ([]InboxEntry, error) {
	fields, err := s.client.ZRange(ctx, s.keyInbox(workflowID, runID, "pending"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.keyInbox(workflowID, runID, "entries"), fields...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]InboxEntry, 0, len(fields))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		seq, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return nil, err
		}
		var payload redisInboxPayload
		if err := gobDecode([]byte(str), &payload); err != nil {
			return nil, err
		}
		entry := InboxEntry{
			WorkflowID: workflowID,
			RunID:      runID,
			Seq:        seq,
			Event:      api.Event{ID: payload.EventID, Name: payload.Name},
			EnqueuedAt: time.Unix(0, payload.EnqueuedAt),
		}
		if len(payload.Payload) > 0 {
			entry.Event.Payload = json.RawMessage(payload.Payload)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := gobEncode(&ev)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keyHistory(ev.WorkflowID, ev.RunID), data).Err()
}

func (s *RedisStore) ListEvents(ctx context.Context, workflowID, runID string) ([]api.WorkflowEvent, error) {
	values, err := s.client.LRange(ctx, s.keyHistory(workflowID, runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.WorkflowEvent, 0, len(values))
	for _, v := range values {
		var ev api.WorkflowEvent
		if err := gobDecode([]byte(v), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
