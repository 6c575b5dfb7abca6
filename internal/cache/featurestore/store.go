// Package featurestore mirrors data-source records into redis, one key per
// record plus an id index per data source.
package featurestore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mohammed-shakir/editsync/internal/cache/keys"
	"github.com/mohammed-shakir/editsync/internal/cache/redisstore"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
)

type RecordStore interface {
	MGetRecords(ctx context.Context, dataSource string, ids []int64) (map[int64][]byte, error)
	PutRecords(ctx context.Context, dataSource string, recs map[int64][]byte, ttl time.Duration) error
	DeleteRecords(ctx context.Context, dataSource string, ids []int64) error
	RecordIDs(ctx context.Context, dataSource string) ([]int64, error)
}

type redisRecordStore struct {
	cli        *redisstore.Client
	defaultTTL time.Duration
}

func NewRedisStore(cli *redisstore.Client, defaultTTL time.Duration) RecordStore {
	return &redisRecordStore{
		cli:        cli,
		defaultTTL: defaultTTL,
	}
}

func (s *redisRecordStore) MGetRecords(
	ctx context.Context,
	dataSource string,
	ids []int64,
) (map[int64][]byte, error) {
	if len(ids) == 0 {
		return map[int64][]byte{}, nil
	}

	ks := make([]string, len(ids))
	for i, id := range ids {
		ks[i] = keys.RecordKey(dataSource, id)
	}

	raw, err := s.cli.MGet(ctx, ks)
	if err != nil {
		return nil, fmt.Errorf("featurestore redis MGET %d keys: %w", len(ks), err)
	}

	out := make(map[int64][]byte, len(raw))
	for i, id := range ids {
		if v, ok := raw[ks[i]]; ok {
			out[id] = v
		}
	}
	observability.AddMirrorLookups(len(out), len(ids)-len(out))
	return out, nil
}

func (s *redisRecordStore) PutRecords(
	ctx context.Context,
	dataSource string,
	recs map[int64][]byte,
	ttl time.Duration,
) error {
	if len(recs) == 0 {
		return nil
	}

	t := ttl
	if t <= 0 {
		t = s.defaultTTL
	}

	kv := make(map[string][]byte, len(recs))
	members := make([]string, 0, len(recs))
	for id, body := range recs {
		kv[keys.RecordKey(dataSource, id)] = body
		members = append(members, strconv.FormatInt(id, 10))
	}
	if err := s.cli.MSetWithTTL(ctx, kv, t); err != nil {
		return fmt.Errorf("featurestore put %d records: %w", len(recs), err)
	}
	if err := s.cli.SAdd(ctx, keys.IndexKey(dataSource), t, members...); err != nil {
		return fmt.Errorf("featurestore index %d records: %w", len(recs), err)
	}
	return nil
}

func (s *redisRecordStore) DeleteRecords(ctx context.Context, dataSource string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ks := make([]string, len(ids))
	members := make([]string, len(ids))
	for i, id := range ids {
		ks[i] = keys.RecordKey(dataSource, id)
		members[i] = strconv.FormatInt(id, 10)
	}
	if err := s.cli.Del(ctx, ks...); err != nil {
		return fmt.Errorf("featurestore delete %d records: %w", len(ids), err)
	}
	if err := s.cli.SRem(ctx, keys.IndexKey(dataSource), members...); err != nil {
		return fmt.Errorf("featurestore unindex %d records: %w", len(ids), err)
	}
	return nil
}

// RecordIDs lists the indexed ids in ascending order. Index entries whose
// record expired are still listed; MGetRecords filters them.
func (s *redisRecordStore) RecordIDs(ctx context.Context, dataSource string) ([]int64, error) {
	members, err := s.cli.SMembers(ctx, keys.IndexKey(dataSource))
	if err != nil {
		return nil, fmt.Errorf("featurestore ids: %w", err)
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
