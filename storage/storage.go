package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IchuRisco/mitopia-backend/metrics"
	"github.com/IchuRisco/mitopia-backend/model"
	"github.com/go-redis/redis/v7"
)

const (
	roomKeyPrefix = "room:"
	// maxUpdateAttempts bounds optimistic retries when a watched room key changes underneath us.
	maxUpdateAttempts = 16
)

var (
	ErrRoomNotFound     = errors.New("storage: room not found")
	ErrStoreUnavailable = errors.New("storage: room store unavailable")
	// ErrNoChange may be returned by an UpdateFunc to finish an update without writing.
	ErrNoChange = errors.New("storage: no change")
)

// UpdateFunc receives the current snapshot (nil when absent) and returns the
// snapshot to write. Returning a nil room deletes the key. It can be called
// several times for one update and must not keep side effects between calls.
type UpdateFunc func(room *model.Room) (*model.Room, error)

type Storage interface {
	GetRoom(ctx context.Context, meetingID string) (*model.Room, error)
	SaveRoom(ctx context.Context, room *model.Room) error
	DeleteRoom(ctx context.Context, meetingID string) error
	UpdateRoom(ctx context.Context, meetingID string, fn UpdateFunc) (*model.Room, error)
	Ping(ctx context.Context) error
}

type storage struct {
	rdb *redis.Client
	ttl time.Duration
}

// New returns a Redis backed Storage; every write refreshes the key TTL.
func New(rdb *redis.Client, ttl time.Duration) Storage {
	return &storage{rdb: rdb, ttl: ttl}
}

func RoomKey(meetingID string) string {
	return roomKeyPrefix + meetingID
}

func (s *storage) GetRoom(ctx context.Context, meetingID string) (room *model.Room, err error) {
	defer observe("get", time.Now(), &err)

	data, err := s.rdb.WithContext(ctx).Get(RoomKey(meetingID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrRoomNotFound
		}
		return nil, unavailable(err)
	}
	return decode(data)
}

func (s *storage) SaveRoom(ctx context.Context, room *model.Room) (err error) {
	defer observe("save", time.Now(), &err)

	if room == nil || room.MeetingID == "" {
		return fmt.Errorf("invalid room")
	}
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err = s.rdb.WithContext(ctx).Set(RoomKey(room.MeetingID), data, s.ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *storage) DeleteRoom(ctx context.Context, meetingID string) (err error) {
	defer observe("delete", time.Now(), &err)

	if err = s.rdb.WithContext(ctx).Del(RoomKey(meetingID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// UpdateRoom performs a WATCH/MULTI read-modify-write of one room snapshot,
// retrying when another writer touched the key between read and write.
func (s *storage) UpdateRoom(ctx context.Context, meetingID string, fn UpdateFunc) (result *model.Room, err error) {
	defer observe("update", time.Now(), &err)

	key := RoomKey(meetingID)
	var fnErr error

	txf := func(tx *redis.Tx) error {
		fnErr = nil
		result = nil

		var current *model.Room
		data, err := tx.Get(key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			if current, err = decode(data); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			fnErr = err
			result = current
			return err
		}

		var payload []byte
		if next != nil {
			if payload, err = json.Marshal(next); err != nil {
				fnErr = err
				return err
			}
		} else if current == nil {
			return nil
		}

		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(key)
			} else {
				pipe.Set(key, payload, s.ttl)
			}
			return nil
		})
		result = next
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err = s.rdb.WatchContext(ctx, txf, key)
		if fnErr != nil {
			if errors.Is(fnErr, ErrNoChange) {
				return result, nil
			}
			return nil, fnErr
		}
		if err == nil {
			return result, nil
		}
		if err != redis.TxFailedErr {
			return nil, unavailable(err)
		}
		metrics.StoreConflictsTotal.Inc()
	}
	return nil, fmt.Errorf("%w: room %s kept changing during update", ErrStoreUnavailable, meetingID)
}

func (s *storage) Ping(ctx context.Context) error {
	if err := s.rdb.WithContext(ctx).Ping().Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func decode(data []byte) (*model.Room, error) {
	var r model.Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Participants == nil {
		r.Participants = make(map[string]*model.Participant)
	}
	return &r, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func observe(op string, start time.Time, err *error) {
	var e error
	if err != nil && errors.Is(*err, ErrStoreUnavailable) {
		e = *err
	}
	metrics.ObserveStore(op, start, e)
}
