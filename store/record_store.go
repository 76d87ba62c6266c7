package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cubebackend/domain"
)

// RecordStore is the shared state store for query, result and metadata
// records. Artifact files live on disk/OSS; this store only addresses
// status/progress consistency across pods and restarts.
type RecordStore interface {
	CreateQuery(q *domain.Query) error
	GetQuery(key string) (*domain.Query, bool, error)
	UpdateQuery(key string, fn func(q *domain.Query)) (*domain.Query, bool, error)

	CreateResult(r *domain.Result) error
	GetResult(key string) (*domain.Result, bool, error)
	UpdateResult(key string, fn func(r *domain.Result)) (*domain.Result, bool, error)

	CreateMetadata(m *domain.Metadata) error
	GetMetadata(key string) (*domain.Metadata, bool, error)
}

type InMemoryRecordStore struct {
	mu      sync.Mutex
	queries map[string]*domain.Query
	results map[string]*domain.Result
	metas   map[string]*domain.Metadata
}

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{
		queries: make(map[string]*domain.Query),
		results: make(map[string]*domain.Result),
		metas:   make(map[string]*domain.Metadata),
	}
}

func (s *InMemoryRecordStore) CreateQuery(q *domain.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[q.Key] = q
	return nil
}

func (s *InMemoryRecordStore) GetQuery(key string) (*domain.Query, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[key]
	if !ok || q == nil {
		return nil, false, nil
	}
	// Return a copy to avoid accidental mutation/data races outside the lock.
	cp := *q
	return &cp, true, nil
}

func (s *InMemoryRecordStore) UpdateQuery(key string, fn func(q *domain.Query)) (*domain.Query, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[key]
	if !ok {
		return nil, false, nil
	}
	fn(q)
	cp := *q
	return &cp, true, nil
}

func (s *InMemoryRecordStore) CreateResult(r *domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.QueryKey] = r
	return nil
}

func (s *InMemoryRecordStore) GetResult(key string) (*domain.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[key]
	if !ok || r == nil {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (s *InMemoryRecordStore) UpdateResult(key string, fn func(r *domain.Result)) (*domain.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[key]
	if !ok {
		return nil, false, nil
	}
	fn(r)
	cp := *r
	return &cp, true, nil
}

func (s *InMemoryRecordStore) CreateMetadata(m *domain.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[m.QueryKey] = m
	return nil
}

func (s *InMemoryRecordStore) GetMetadata(key string) (*domain.Metadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[key]
	if !ok || m == nil {
		return nil, false, nil
	}
	cp := *m
	return &cp, true, nil
}

type RedisRecordStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func readRedisDB() int {
	raw := strings.TrimSpace(os.Getenv("REDIS_DB"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func readRecordTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("ANOMALY_RECORD_TTL_SECONDS"))
	if raw == "" {
		return 30 * 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func NewRedisRecordStore(addr, password string) (*RedisRecordStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("REDIS_ADDR is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(password),
		DB:       readRedisDB(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("record store: redis enabled addr=%s db=%d ttl=%s", addr, readRedisDB(), readRecordTTL())

	return &RedisRecordStore{
		rdb:       rdb,
		keyPrefix: "dc:",
		ttl:       readRecordTTL(),
	}, nil
}

func (s *RedisRecordStore) queryKey(key string) string  { return s.keyPrefix + "query:" + strings.TrimSpace(key) }
func (s *RedisRecordStore) resultKey(key string) string { return s.keyPrefix + "result:" + strings.TrimSpace(key) }
func (s *RedisRecordStore) metaKey(key string) string   { return s.keyPrefix + "meta:" + strings.TrimSpace(key) }

func (s *RedisRecordStore) create(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.rdb.SetNX(ctx, key, b, s.ttl).Err()
}

func (s *RedisRecordStore) get(key string, out interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false, err
	}
	return true, nil
}

// update runs an optimistic WATCH transaction: load, mutate, write back.
// mutate receives the stored JSON and returns the replacement.
func (s *RedisRecordStore) update(key string, mutate func(raw []byte) ([]byte, error)) ([]byte, bool, error) {
	var out []byte
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			nb, err := mutate([]byte(val))
			if err != nil {
				return err
			}
			out = nb
			ok = true
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}

func (s *RedisRecordStore) CreateQuery(q *domain.Query) error {
	if q == nil || strings.TrimSpace(q.Key) == "" {
		return errors.New("query/key is empty")
	}
	return s.create(s.queryKey(q.Key), q)
}

func (s *RedisRecordStore) GetQuery(key string) (*domain.Query, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, nil
	}
	var q domain.Query
	ok, err := s.get(s.queryKey(key), &q)
	if !ok || err != nil {
		return nil, false, err
	}
	return &q, true, nil
}

func (s *RedisRecordStore) UpdateQuery(key string, fn func(q *domain.Query)) (*domain.Query, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}
	var updated *domain.Query
	raw, ok, err := s.update(s.queryKey(key), func(raw []byte) ([]byte, error) {
		var q domain.Query
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		fn(&q)
		updated = &q
		return json.Marshal(&q)
	})
	_ = raw
	if err != nil || !ok {
		return nil, false, err
	}
	return updated, true, nil
}

func (s *RedisRecordStore) CreateResult(r *domain.Result) error {
	if r == nil || strings.TrimSpace(r.QueryKey) == "" {
		return errors.New("result/key is empty")
	}
	return s.create(s.resultKey(r.QueryKey), r)
}

func (s *RedisRecordStore) GetResult(key string) (*domain.Result, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, nil
	}
	var r domain.Result
	ok, err := s.get(s.resultKey(key), &r)
	if !ok || err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (s *RedisRecordStore) UpdateResult(key string, fn func(r *domain.Result)) (*domain.Result, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}
	var updated *domain.Result
	_, ok, err := s.update(s.resultKey(key), func(raw []byte) ([]byte, error) {
		var r domain.Result
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		fn(&r)
		updated = &r
		return json.Marshal(&r)
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return updated, true, nil
}

func (s *RedisRecordStore) CreateMetadata(m *domain.Metadata) error {
	if m == nil || strings.TrimSpace(m.QueryKey) == "" {
		return errors.New("metadata/key is empty")
	}
	return s.create(s.metaKey(m.QueryKey), m)
}

func (s *RedisRecordStore) GetMetadata(key string) (*domain.Metadata, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, nil
	}
	var m domain.Metadata
	ok, err := s.get(s.metaKey(key), &m)
	if !ok || err != nil {
		return nil, false, err
	}
	return &m, true, nil
}
