// Package presence tracks which users hold live gateway connections. State
// lives in Redis with expiring keys so a crashed process cannot pin a user
// online forever; the online set is reconciled by CleanupExpired.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"asyv_realtime/internal/domain"
)

const (
	DefaultPrefix = "presence:"
	DefaultTTL    = time.Hour

	statusOnline = "online"
)

// Options tunes a Store. Zero values fall back to defaults.
type Options struct {
	Prefix        string
	TTL           time.Duration
	Retries       uint64
	RetryInterval time.Duration
	Now           func() time.Time
}

// Store is the Redis-backed presence registry.
//
// Keys:
//
//	{prefix}conn:{connId}     -> userId               (TTL)
//	{prefix}user:{userId}     -> zset connId->expiry  (TTL)
//	{prefix}profile:{userId}  -> JSON profile         (TTL)
//	{prefix}online            -> set of userIds
type Store struct {
	rdb  redis.UniversalClient
	dir  domain.UserDirectory
	opts Options
}

func NewStore(rdb redis.UniversalClient, dir domain.UserDirectory, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL < time.Second {
		opts.TTL = DefaultTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{rdb: rdb, dir: dir, opts: opts}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

func (s *Store) TTL() time.Duration { return s.opts.TTL }

func (s *Store) connKey(connID string) string {
	return s.opts.Prefix + "conn:" + connID
}

func (s *Store) userKey(userID int64) string {
	return s.opts.Prefix + "user:" + strconv.FormatInt(userID, 10)
}

func (s *Store) profileKey(userID int64) string {
	return s.opts.Prefix + "profile:" + strconv.FormatInt(userID, 10)
}

func (s *Store) onlineKey() string {
	return s.opts.Prefix + "online"
}

func (s *Store) ttlSeconds() int64 {
	return int64(s.opts.TTL / time.Second)
}

func (s *Store) expiry() int64 {
	return s.opts.Now().Add(s.opts.TTL).Unix()
}

// SetOnline records connID as a live connection of userID. Calling it again
// for the same pair overwrites the previous record.
func (s *Store) SetOnline(ctx context.Context, userID int64, connID string, profile *domain.Profile) error {
	if userID <= 0 || connID == "" {
		return fmt.Errorf("%w: userId and connectionId are required", domain.ErrInvalidInput)
	}
	var snapshot []byte
	if profile != nil {
		b, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		snapshot = b
	}
	uid := strconv.FormatInt(userID, 10)

	return s.withRetry(ctx, func() error {
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.connKey(connID), uid, s.opts.TTL)
			pipe.ZAdd(ctx, s.userKey(userID), redis.Z{Score: float64(s.expiry()), Member: connID})
			pipe.Expire(ctx, s.userKey(userID), s.opts.TTL)
			if snapshot != nil {
				pipe.Set(ctx, s.profileKey(userID), snapshot, s.opts.TTL)
			} else {
				pipe.Expire(ctx, s.profileKey(userID), s.opts.TTL)
			}
			pipe.SAdd(ctx, s.onlineKey(), uid)
			return nil
		})
		return err
	})
}

// Refresh extends the lifetime of a connection record. It re-creates the
// record if it already expired, so a late heartbeat restores presence.
func (s *Store) Refresh(ctx context.Context, userID int64, connID string) error {
	if userID <= 0 || connID == "" {
		return fmt.Errorf("%w: userId and connectionId are required", domain.ErrInvalidInput)
	}
	keys := []string{s.connKey(connID), s.userKey(userID), s.profileKey(userID), s.onlineKey()}
	return s.withRetry(ctx, func() error {
		return refreshScript.Run(ctx, s.rdb, keys,
			userID, connID, s.ttlSeconds(), s.expiry()).Err()
	})
}

// SetOffline removes connID from userID's live connections. It is a no-op
// when the records are already gone. The returned bool reports whether the
// user still has other live connections.
func (s *Store) SetOffline(ctx context.Context, userID int64, connID string) (bool, error) {
	if userID <= 0 || connID == "" {
		return false, fmt.Errorf("%w: userId and connectionId are required", domain.ErrInvalidInput)
	}
	keys := []string{s.connKey(connID), s.userKey(userID), s.profileKey(userID), s.onlineKey()}
	remaining, err := offlineScript.Run(ctx, s.rdb, keys,
		userID, connID, s.opts.Now().Unix()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return remaining > 0, nil
}

// UserForConnection resolves a connection id back to its user.
func (s *Store) UserForConnection(ctx context.Context, connID string) (int64, bool) {
	v, err := s.rdb.Get(ctx, s.connKey(connID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logReadFailure(err, "resolve connection")
		}
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IsOnline reports whether userID has at least one unexpired connection.
// Store failures read as offline.
func (s *Store) IsOnline(ctx context.Context, userID int64) bool {
	n, err := s.rdb.ZCount(ctx, s.userKey(userID), "("+strconv.FormatInt(s.opts.Now().Unix(), 10), "+inf").Result()
	if err != nil {
		s.logReadFailure(err, "is online")
		return false
	}
	return n > 0
}

// OnlineUserIDs returns the online set in ascending order. It may contain
// users whose records expired since the last CleanupExpired pass.
func (s *Store) OnlineUserIDs(ctx context.Context) []int64 {
	members, err := s.rdb.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		s.logReadFailure(err, "online members")
		return nil
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OnlineUsersCount counts the online set, leaving out excludeUserID when it
// is positive.
func (s *Store) OnlineUsersCount(ctx context.Context, excludeUserID int64) int {
	return len(without(s.OnlineUserIDs(ctx), excludeUserID))
}

// OnlineUsersWithProfile joins the online set against the user directory.
// The result never contains excludeUserID. Users unknown to the directory
// fall back to their cached snapshot, and are skipped when neither exists.
func (s *Store) OnlineUsersWithProfile(ctx context.Context, excludeUserID int64) []domain.ProfileView {
	ids := without(s.OnlineUserIDs(ctx), excludeUserID)
	if len(ids) == 0 {
		return []domain.ProfileView{}
	}

	byID := make(map[int64]*domain.User, len(ids))
	if s.dir != nil {
		users, err := s.dir.GetByIDs(ctx, ids)
		if err != nil {
			log.Warn().Err(err).Str("component", "presence").Msg("directory lookup failed, using cached profiles")
		}
		for _, u := range users {
			byID[u.ID] = u
		}
	}

	var snapshots map[int64]domain.Profile
	res := make([]domain.ProfileView, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			view := domain.ProfileView{ID: id, Name: u.DisplayName(), Username: u.Username, Status: statusOnline}
			if u.AvatarURL != nil {
				view.Avatar = *u.AvatarURL
			}
			res = append(res, view)
			continue
		}
		if snapshots == nil {
			snapshots = s.profiles(ctx, ids)
		}
		if p, ok := snapshots[id]; ok {
			res = append(res, domain.ProfileView{ID: id, Name: p.Name, Avatar: p.Avatar, Status: statusOnline})
		}
	}
	return res
}

// Profile returns the cached snapshot for userID, if any.
func (s *Store) Profile(ctx context.Context, userID int64) (*domain.Profile, bool) {
	p, ok := s.profiles(ctx, []int64{userID})[userID]
	if !ok {
		return nil, false
	}
	return &p, true
}

func (s *Store) profiles(ctx context.Context, ids []int64) map[int64]domain.Profile {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.profileKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		s.logReadFailure(err, "profiles")
		return map[int64]domain.Profile{}
	}
	res := make(map[int64]domain.Profile, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p domain.Profile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		res[ids[i]] = p
	}
	return res
}

// CleanupExpired drops users from the online set whose connection records
// have all expired. Redis does not do this on its own: set members outlive
// the keys that justified them.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	members, err := s.rdb.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	now := s.opts.Now().Unix()
	removed := 0
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			if err := s.rdb.SRem(ctx, s.onlineKey(), m).Err(); err != nil {
				return removed, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
			}
			continue
		}
		keys := []string{s.userKey(id), s.profileKey(id), s.onlineKey()}
		n, err := cleanupScript.Run(ctx, s.rdb, keys, m, now).Int()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		removed += n
	}
	return removed, nil
}

// RunCleanup calls CleanupExpired every interval until ctx is cancelled.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.CleanupExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn().Err(err).Str("component", "presence").Msg("cleanup pass failed")
				continue
			}
			if n > 0 {
				log.Info().Str("component", "presence").Int("removed", n).Msg("removed stale online users")
			}
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInterval
	b.MaxInterval = 10 * s.opts.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.opts.Retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) logReadFailure(err error, op string) {
	log.Warn().Err(err).Str("component", "presence").Str("op", op).Msg("presence read failed, returning default")
}

func without(ids []int64, exclude int64) []int64 {
	if exclude <= 0 {
		return ids
	}
	res := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			res = append(res, id)
		}
	}
	return res
}
