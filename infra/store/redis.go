package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/freightd/core/fault"
	"github.com/kilianp07/freightd/core/model"
)

// maxTxRetries bounds the optimistic WATCH retry loop.
const maxTxRetries = 64

// Redis implements the core store ports on a Redis instance. Records are
// stored as JSON values; Update uses WATCH/MULTI optimistic transactions
// so concurrent mutators of the same key serialize, matching the atomic
// conditional update the allocation path requires.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to redisURL
// (redis://[:password@]host[:port][/database]).
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing client, used by tests with
// miniredis.
func NewRedisFromClient(client *redis.Client) *Redis { return &Redis{client: client} }

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// Close closes the connection.
func (r *Redis) Close() error { return r.client.Close() }

func broadcastKey(id string) string    { return "broadcast:" + id }
func reservationKey(id string) string  { return "reservation:" + id }
func assignmentKey(id string) string   { return "assignment:" + id }
func sessionKey(id string) string      { return "session:" + id }
func positionsKey(id string) string    { return "session:" + id + ":positions" }
func broadcastResIdx(id string) string { return "broadcast:" + id + ":reservations" }
func broadcastAsgIdx(id string) string { return "broadcast:" + id + ":assignments" }
func reservationAsgIdx(id string) string {
	return "reservation:" + id + ":assignments"
}

const (
	broadcastSet         = "broadcasts"
	sessionByAssignment  = "sessions:by_assignment"
)

func (r *Redis) getJSON(ctx context.Context, key string, dst any, nf fault.NotFound) error {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nf
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (r *Redis) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, raw, 0).Err()
}

// updateJSON runs the optimistic read-mutate-write transaction on key.
func (r *Redis) updateJSON(ctx context.Context, key string, nf fault.NotFound, load func([]byte) (any, error)) error {
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nf
		}
		if err != nil {
			return err
		}
		next, err := load(raw)
		if err != nil {
			return err
		}
		out, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("store: update of %s exceeded %d optimistic retries", key, maxTxRetries)
}

// --- BroadcastStore ---

func (r *Redis) Put(ctx context.Context, b model.Broadcast) error {
	if err := r.setJSON(ctx, broadcastKey(b.ID), b); err != nil {
		return err
	}
	return r.client.SAdd(ctx, broadcastSet, b.ID).Err()
}

func (r *Redis) Get(ctx context.Context, id string) (model.Broadcast, error) {
	var b model.Broadcast
	err := r.getJSON(ctx, broadcastKey(id), &b, fault.NotFound{Kind: "broadcast", ID: id})
	return b, err
}

func (r *Redis) List(ctx context.Context) ([]model.Broadcast, error) {
	ids, err := r.client.SMembers(ctx, broadcastSet).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Broadcast, 0, len(ids))
	for _, id := range ids {
		b, err := r.Get(ctx, id)
		if err != nil {
			if fault.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *Redis) Update(ctx context.Context, id string, fn func(*model.Broadcast) error) (model.Broadcast, error) {
	var result model.Broadcast
	err := r.updateJSON(ctx, broadcastKey(id), fault.NotFound{Kind: "broadcast", ID: id}, func(raw []byte) (any, error) {
		var b model.Broadcast
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		if err := fn(&b); err != nil {
			return nil, err
		}
		result = b
		return b, nil
	})
	return result, err
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, broadcastKey(id)).Err(); err != nil {
		return err
	}
	return r.client.SRem(ctx, broadcastSet, id).Err()
}

// Reservations returns the reservation port view of the store.
func (r *Redis) Reservations() *RedisReservations { return &RedisReservations{r: r} }

// Assignments returns the assignment port view of the store.
func (r *Redis) Assignments() *RedisAssignments { return &RedisAssignments{r: r} }

// Sessions returns the session port view of the store.
func (r *Redis) Sessions() *RedisSessions { return &RedisSessions{r: r} }

// Positions returns the position log view of the store.
func (r *Redis) Positions() *RedisPositions { return &RedisPositions{r: r} }

// RedisReservations implements store.ReservationStore.
type RedisReservations struct{ r *Redis }

func (s *RedisReservations) Put(ctx context.Context, res model.Reservation) error {
	if err := s.r.setJSON(ctx, reservationKey(res.ID), res); err != nil {
		return err
	}
	return s.r.client.SAdd(ctx, broadcastResIdx(res.BroadcastID), res.ID).Err()
}

func (s *RedisReservations) Get(ctx context.Context, id string) (model.Reservation, error) {
	var res model.Reservation
	err := s.r.getJSON(ctx, reservationKey(id), &res, fault.NotFound{Kind: "reservation", ID: id})
	return res, err
}

func (s *RedisReservations) ListByBroadcast(ctx context.Context, broadcastID string) ([]model.Reservation, error) {
	ids, err := s.r.client.SMembers(ctx, broadcastResIdx(broadcastID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Reservation, 0, len(ids))
	for _, id := range ids {
		res, err := s.Get(ctx, id)
		if err != nil {
			if fault.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *RedisReservations) Update(ctx context.Context, id string, fn func(*model.Reservation) error) (model.Reservation, error) {
	var result model.Reservation
	err := s.r.updateJSON(ctx, reservationKey(id), fault.NotFound{Kind: "reservation", ID: id}, func(raw []byte) (any, error) {
		var res model.Reservation
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, err
		}
		if err := fn(&res); err != nil {
			return nil, err
		}
		result = res
		return res, nil
	})
	return result, err
}

// RedisAssignments implements store.AssignmentStore.
type RedisAssignments struct{ r *Redis }

func (s *RedisAssignments) Put(ctx context.Context, a model.DriverAssignment) error {
	if err := s.r.setJSON(ctx, assignmentKey(a.ID), a); err != nil {
		return err
	}
	if err := s.r.client.SAdd(ctx, reservationAsgIdx(a.ReservationID), a.ID).Err(); err != nil {
		return err
	}
	return s.r.client.SAdd(ctx, broadcastAsgIdx(a.BroadcastID), a.ID).Err()
}

func (s *RedisAssignments) Get(ctx context.Context, id string) (model.DriverAssignment, error) {
	var a model.DriverAssignment
	err := s.r.getJSON(ctx, assignmentKey(id), &a, fault.NotFound{Kind: "assignment", ID: id})
	return a, err
}

func (s *RedisAssignments) list(ctx context.Context, idxKey string) ([]model.DriverAssignment, error) {
	ids, err := s.r.client.SMembers(ctx, idxKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.DriverAssignment, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			if fault.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	sortAssignments(out)
	return out, nil
}

func (s *RedisAssignments) ListByReservation(ctx context.Context, reservationID string) ([]model.DriverAssignment, error) {
	return s.list(ctx, reservationAsgIdx(reservationID))
}

func (s *RedisAssignments) ListByBroadcast(ctx context.Context, broadcastID string) ([]model.DriverAssignment, error) {
	return s.list(ctx, broadcastAsgIdx(broadcastID))
}

func (s *RedisAssignments) Update(ctx context.Context, id string, fn func(*model.DriverAssignment) error) (model.DriverAssignment, error) {
	var result model.DriverAssignment
	err := s.r.updateJSON(ctx, assignmentKey(id), fault.NotFound{Kind: "assignment", ID: id}, func(raw []byte) (any, error) {
		var a model.DriverAssignment
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		if err := fn(&a); err != nil {
			return nil, err
		}
		result = a
		return a, nil
	})
	return result, err
}

// RedisSessions implements store.SessionStore.
type RedisSessions struct{ r *Redis }

func (s *RedisSessions) Put(ctx context.Context, sess model.TrackingSession) error {
	if err := s.r.setJSON(ctx, sessionKey(sess.ID), sess); err != nil {
		return err
	}
	return s.r.client.HSet(ctx, sessionByAssignment, sess.AssignmentID, sess.ID).Err()
}

func (s *RedisSessions) Get(ctx context.Context, id string) (model.TrackingSession, error) {
	var sess model.TrackingSession
	err := s.r.getJSON(ctx, sessionKey(id), &sess, fault.NotFound{Kind: "session", ID: id})
	return sess, err
}

func (s *RedisSessions) GetByAssignment(ctx context.Context, assignmentID string) (model.TrackingSession, error) {
	id, err := s.r.client.HGet(ctx, sessionByAssignment, assignmentID).Result()
	if err == redis.Nil {
		return model.TrackingSession{}, fault.NotFound{Kind: "session", ID: assignmentID}
	}
	if err != nil {
		return model.TrackingSession{}, err
	}
	return s.Get(ctx, id)
}

func (s *RedisSessions) Update(ctx context.Context, id string, fn func(*model.TrackingSession) error) (model.TrackingSession, error) {
	var result model.TrackingSession
	err := s.r.updateJSON(ctx, sessionKey(id), fault.NotFound{Kind: "session", ID: id}, func(raw []byte) (any, error) {
		var sess model.TrackingSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, err
		}
		if err := fn(&sess); err != nil {
			return nil, err
		}
		result = sess
		return sess, nil
	})
	return result, err
}

// RedisPositions implements store.PositionLog with an RPUSH-backed
// append-only list per session.
type RedisPositions struct{ r *Redis }

func (s *RedisPositions) Append(ctx context.Context, sessionID string, p model.Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.r.client.RPush(ctx, positionsKey(sessionID), raw).Err()
}

func (s *RedisPositions) Entries(ctx context.Context, sessionID string) ([]model.Position, error) {
	raws, err := s.r.client.LRange(ctx, positionsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(raws))
	for _, raw := range raws {
		var p model.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
