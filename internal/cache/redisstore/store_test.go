package redisstore

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/ehr/medcalc/internal/cache"
)

// fakeHashes is an in-memory stand-in for the Redis hash commands.
type fakeHashes struct {
	hashes map[string]map[string]string
	err    error
}

func newFakeHashes() *fakeHashes {
	return &fakeHashes{hashes: make(map[string]map[string]string)}
}

func (f *fakeHashes) HGet(_ context.Context, key, field string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.hashes[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeHashes) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		field := values[i].(string)
		switch v := values[i+1].(type) {
		case []byte:
			h[field] = string(v)
		case string:
			h[field] = v
		}
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeHashes) HDel(_ context.Context, key string, fields ...string) *redis.IntCmd {
	for _, field := range fields {
		delete(f.hashes[key], field)
	}
	return redis.NewIntResult(int64(len(fields)), nil)
}

func (f *fakeHashes) HKeys(_ context.Context, key string) *redis.StringSliceCmd {
	if f.err != nil {
		return redis.NewStringSliceResult(nil, f.err)
	}
	keys := make([]string, 0, len(f.hashes[key]))
	for k := range f.hashes[key] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return redis.NewStringSliceResult(keys, nil)
}

func (f *fakeHashes) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.hashes, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestStore_BucketMapsToPrefixedHash(t *testing.T) {
	fake := newFakeHashes()
	s := New(fake, "medcalc:")
	ctx := context.Background()

	if err := s.Put(ctx, "medcalc-fhir-v1", "patient-1", []byte(`{"data":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := fake.hashes["medcalc:medcalc-fhir-v1"]["patient-1"]; !ok {
		t.Fatalf("expected field in prefixed hash, got %v", fake.hashes)
	}

	got, err := s.Get(ctx, "medcalc-fhir-v1", "patient-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"data":1}` {
		t.Errorf("unexpected value %q", got)
	}
}

func TestStore_MissingIsNotFound(t *testing.T) {
	s := New(newFakeHashes(), "")
	if _, err := s.Get(context.Background(), "b", "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ErrorsAreWrapped(t *testing.T) {
	fake := newFakeHashes()
	fake.err = errors.New("connection refused")
	s := New(fake, "")

	_, err := s.Get(context.Background(), "b", "k")
	if err == nil || errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !errors.Is(err, fake.err) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestStore_KeysDeleteClear(t *testing.T) {
	s := New(newFakeHashes(), "")
	ctx := context.Background()

	_ = s.Put(ctx, "b", "x", []byte("1"))
	_ = s.Put(ctx, "b", "y", []byte("2"))

	if err := s.Delete(ctx, "b", "x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	keys, err := s.Keys(ctx, "b")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "y" {
		t.Errorf("expected [y], got %v", keys)
	}

	if err := s.Clear(ctx, "b"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if keys, _ := s.Keys(ctx, "b"); len(keys) != 0 {
		t.Errorf("expected empty bucket, got %v", keys)
	}
}

func TestStore_ManagerSurvivesRedisOutage(t *testing.T) {
	fake := newFakeHashes()
	fake.err = errors.New("connection refused")
	m := cache.NewManager(cache.WithStore(New(fake, "")))
	ctx := context.Background()

	m.Set(ctx, cache.FHIR, "k", 42, 0)
	var v int
	if !m.Get(ctx, cache.FHIR, "k", &v) || v != 42 {
		t.Fatalf("expected memory tier to serve, got %d", v)
	}
}

func TestNewFromURL_InvalidURL(t *testing.T) {
	if _, err := NewFromURL(context.Background(), "not a url", ""); err == nil {
		t.Fatal("expected parse error")
	}
}
