package collab

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"

	"github.com/victornm/peerprep/internal/codec"
	"github.com/victornm/peerprep/internal/crdt"
)

// store keeps compressed document snapshots in Redis so a room can be rebuilt after its
// instance restarts or the room is evicted while idle.
type store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type snapshot struct {
	data []byte
	hash [32]byte
}

func newSnapshot(u crdt.Update) (snapshot, error) {
	b, err := crdt.EncodeUpdate(u)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{data: b, hash: blake3.Sum256(b)}, nil
}

func (s *store) save(ctx context.Context, sessionID string, snap snapshot) error {
	if err := s.redis.Set(ctx, s.key(sessionID), codec.Compress(snap.data), s.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// load returns the stored state, or an empty update when there is none.
func (s *store) load(ctx context.Context, sessionID string) (crdt.Update, error) {
	b, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return crdt.Update{}, nil
	}
	if err != nil {
		return crdt.Update{}, fmt.Errorf("get snapshot: %w", err)
	}

	raw, err := codec.Decompress(b)
	if err != nil {
		return crdt.Update{}, err
	}

	return crdt.DecodeUpdate(raw)
}

func (s *store) delete(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *store) key(sessionID string) string {
	return fmt.Sprintf("%s:doc:%s", s.prefix, sessionID)
}
