package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/agrivision/internal/domain/session"
)

// ValkeyStore persists sessions in a Valkey-compatible database. Keys expire on
// their own; a sorted set indexed by expiry lets Sweep report which sessions went away.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore constructs a new store backed by Valkey.
func NewValkeyStore(client valkey.Client, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = "agrivision"
	}
	return &ValkeyStore{client: client, prefix: prefix}
}

func (s *ValkeyStore) Save(ctx context.Context, sess session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	set := s.client.B().Set().Key(s.sessionKey(sess.ID)).Value(string(payload)).Ex(ttl).Build()
	if err := s.client.Do(ctx, set).Error(); err != nil {
		return err
	}
	index := s.client.B().Zadd().Key(s.expiryKey()).ScoreMember().ScoreMember(float64(sess.ExpiresAt.Unix()), sess.ID).Build()
	return s.client.Do(ctx, index).Error()
}

func (s *ValkeyStore) Get(ctx context.Context, id string) (session.Session, error) {
	payload, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(id)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, err
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *ValkeyStore) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	maxScore := strconv.FormatInt(now.Unix(), 10)
	ids, err := s.client.Do(ctx, s.client.B().Zrangebyscore().Key(s.expiryKey()).Min("-inf").Max(maxScore).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.sessionKey(id))
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return nil, err
	}
	if err := s.client.Do(ctx, s.client.B().Zrem().Key(s.expiryKey()).Member(ids...).Build()).Error(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *ValkeyStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *ValkeyStore) expiryKey() string {
	return fmt.Sprintf("%s:sessions:expiry", s.prefix)
}

var _ session.Store = (*ValkeyStore)(nil)
