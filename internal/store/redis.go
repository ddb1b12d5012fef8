package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"tokenlottery/internal/models"
)

const (
	redisPrefix        = "tokenlottery:"
	redisOutbox        = redisPrefix + "outbox"
	redisOutboxPending = redisPrefix + "outbox:pending"
	redisOutboxSeq     = redisPrefix + "outbox:seq"
)

// Redis is a Store shared by several service processes. Compare-and-swap is
// done with WATCH/MULTI on the record key.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a store talking to the Redis server at addr.
func NewRedis(addr string, password string, db int) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: rdb}
}

type redisRecord struct {
	Version uint64         `json:"version"`
	Record  *models.Record `json:"record"`
}

func recordKey(key string) string  { return redisPrefix + key + ":record" }
func ticketsKey(key string) string { return redisPrefix + key + ":tickets" }

func (s *Redis) Create(ctx context.Context, rec *models.Record, events ...models.Event) error {
	k := recordKey(rec.Key)
	buf, err := json.Marshal(redisRecord{Version: 1, Record: rec})
	if err != nil {
		return err
	}
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrExists, rec.Key)
		}
		seq, err := reserveSeq(ctx, tx, len(events))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, buf, 0)
			return queueEvents(ctx, pipe, events, seq)
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone else wrote the key between WATCH and EXEC.
		return fmt.Errorf("%w: %s", ErrExists, rec.Key)
	}
	return err
}

func (s *Redis) Load(ctx context.Context, key string) (Snapshot, error) {
	return s.load(ctx, s.client, key)
}

func (s *Redis) load(ctx context.Context, c redis.Cmdable, key string) (Snapshot, error) {
	buf, err := c.Get(ctx, recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Snapshot{}, err
	}
	var stored redisRecord
	if err := json.Unmarshal(buf, &stored); err != nil {
		return Snapshot{}, fmt.Errorf("corrupt record %s: %w", key, err)
	}
	return Snapshot{Record: stored.Record, Version: stored.Version}, nil
}

func (s *Redis) Commit(ctx context.Context, version uint64, rec *models.Record, m Mutation) error {
	k := recordKey(rec.Key)
	buf, err := json.Marshal(redisRecord{Version: version + 1, Record: rec})
	if err != nil {
		return err
	}
	var ticket []byte
	if m.Ticket != nil {
		if ticket, err = json.Marshal(m.Ticket); err != nil {
			return err
		}
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, rec.Key)
		if err != nil {
			return err
		}
		if current.Version != version {
			return fmt.Errorf("%w: %s at %d, expected %d", ErrVersionConflict, rec.Key, current.Version, version)
		}
		if m.Ticket != nil {
			field := strconv.FormatUint(m.Ticket.Index, 10)
			taken, err := tx.HExists(ctx, ticketsKey(rec.Key), field).Result()
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: %d", ErrDuplicateTicket, m.Ticket.Index)
			}
		}
		seq, err := reserveSeq(ctx, tx, len(m.Events))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, buf, 0)
			if m.Ticket != nil {
				pipe.HSet(ctx, ticketsKey(rec.Key), strconv.FormatUint(m.Ticket.Index, 10), ticket)
			}
			return queueEvents(ctx, pipe, m.Events, seq)
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s at %d", ErrVersionConflict, rec.Key, version)
	}
	return err
}

func (s *Redis) Tickets(ctx context.Context, key string) ([]models.Ticket, error) {
	n, err := s.client.Exists(ctx, recordKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	raw, err := s.client.HGetAll(ctx, ticketsKey(key)).Result()
	if err != nil {
		return nil, err
	}
	tickets := make([]models.Ticket, 0, len(raw))
	for field, v := range raw {
		var t models.Ticket
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("corrupt ticket %s/%s: %w", key, field, err)
		}
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Index < tickets[j].Index })
	return tickets, nil
}

func (s *Redis) PendingEvents(ctx context.Context, offset, limit int) ([]models.Event, error) {
	if offset < 0 {
		offset = 0
	}
	start, stop := int64(offset), int64(-1)
	if limit > 0 {
		stop = start + int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, redisOutboxPending, start, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := s.client.HMGet(ctx, redisOutbox, ids...).Result()
	if err != nil {
		return nil, err
	}
	events := make([]models.Event, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("outbox event %s missing", ids[i])
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(str), &ev); err != nil {
			return nil, fmt.Errorf("corrupt outbox event %s: %w", ids[i], err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Redis) MarkEventDone(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, redisOutboxPending, id)
		pipe.HDel(ctx, redisOutbox, id)
		return nil
	})
	return err
}

func (s *Redis) Close() error {
	return s.client.Close()
}

// reserveSeq claims n outbox sequence numbers and returns the first. Numbers
// claimed by a transaction that later fails are skipped.
func reserveSeq(ctx context.Context, c redis.Cmdable, n int) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	last, err := c.IncrBy(ctx, redisOutboxSeq, int64(n)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve outbox sequence: %w", err)
	}
	return last - int64(n) + 1, nil
}

func queueEvents(ctx context.Context, pipe redis.Pipeliner, events []models.Event, seq int64) error {
	for i, ev := range events {
		buf, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, redisOutbox, ev.ID, buf)
		pipe.ZAdd(ctx, redisOutboxPending, redis.Z{Score: float64(seq + int64(i)), Member: ev.ID})
	}
	return nil
}
