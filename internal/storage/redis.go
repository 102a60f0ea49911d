package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cinebot/internal/directory"
	logx "cinebot/pkg/logx"
)

// Redis layout:
//
//	cinebot:recipients        hash  id -> name
//	cinebot:recipients:ids    zset  member id, score id (keyset order)
//	cinebot:recipients:seen   zset  member id, score last_seen unix ms
//	cinebot:audit             list  JSON entries, newest first, capped
const (
	keyNames    = "cinebot:recipients"
	keyIDs      = "cinebot:recipients:ids"
	keySeen     = "cinebot:recipients:seen"
	keyAudit    = "cinebot:audit"
	redisAudMax = 1000
)

type redisStore struct {
	rdb *redis.Client
	log logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (*redisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = time.Second
	if opts.TLSConfig == nil && strings.HasPrefix(cfg.URL, "rediss://") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{rdb: rdb, log: log}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) Upsert(ctx context.Context, r directory.Recipient) error {
	member := strconv.FormatInt(r.ID, 10)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keyNames, member, r.Name)
		p.ZAdd(ctx, keyIDs, redis.Z{Score: float64(r.ID), Member: member})
		p.ZAdd(ctx, keySeen, redis.Z{Score: float64(r.LastSeen.UnixMilli()), Member: member})
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: upsert %d: %w", r.ID, err)
	}
	return nil
}

func (s *redisStore) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, keyIDs).Result()
	if err != nil {
		return 0, fmt.Errorf("storage: count: %w", err)
	}
	return int(n), nil
}

func (s *redisStore) Scan(ctx context.Context) iter.Seq2[directory.Recipient, error] {
	return directory.Keyset(ctx, directory.DefaultPageSize, s.page)
}

func (s *redisStore) page(ctx context.Context, after int64, limit int) ([]directory.Recipient, error) {
	lo := "-inf"
	if after != minID {
		lo = "(" + strconv.FormatInt(after, 10)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, keyIDs, &redis.ZRangeBy{Min: lo, Max: "+inf", Count: int64(limit)}).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var (
		names *redis.SliceCmd
		seen  *redis.FloatSliceCmd
	)
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		names = p.HMGet(ctx, keyNames, ids...)
		seen = p.ZMScore(ctx, keySeen, ids...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan details: %w", err)
	}
	nv, sv := names.Val(), seen.Val()

	out := make([]directory.Recipient, 0, len(ids))
	for i, m := range ids {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed recipient id", logx.String("member", m))
			continue
		}
		r := directory.Recipient{ID: id}
		if i < len(nv) {
			r.Name, _ = nv[i].(string)
		}
		if i < len(sv) {
			r.LastSeen = time.UnixMilli(int64(sv[i]))
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) Delete(ctx context.Context, id int64) error {
	if err := s.deleteMembers(ctx, strconv.FormatInt(id, 10)); err != nil {
		return fmt.Errorf("storage: delete %d: %w", id, err)
	}
	return nil
}

func (s *redisStore) deleteMembers(ctx context.Context, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	zm := make([]any, len(members))
	for i, m := range members {
		zm[i] = m
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, keyNames, members...)
		p.ZRem(ctx, keyIDs, zm...)
		p.ZRem(ctx, keySeen, zm...)
		return nil
	})
	return err
}

func (s *redisStore) DeleteInactive(ctx context.Context, cutoff time.Time) (int, error) {
	hi := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	total := 0
	for {
		stale, err := s.rdb.ZRangeByScore(ctx, keySeen, &redis.ZRangeBy{Min: "-inf", Max: hi, Count: 500}).Result()
		if err != nil {
			return total, fmt.Errorf("storage: delete inactive: %w", err)
		}
		if len(stale) == 0 {
			return total, nil
		}
		if err := s.deleteMembers(ctx, stale...); err != nil {
			return total, fmt.Errorf("storage: delete inactive: %w", err)
		}
		total += len(stale)
	}
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.Body = truncateBody(e.Body)
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, keyAudit, b)
		p.LTrim(ctx, keyAudit, 0, redisAudMax-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

func (s *redisStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, keyAudit, 0, int64(limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("storage: recent audit: %w", err)
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
