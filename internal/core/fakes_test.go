package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/burstq/burstq/internal/objstore"
)

// fakeStore is an in-memory kv.Store with lists and sets.
type fakeStore struct {
	mu    sync.Mutex
	lists map[string][]string
	sets  map[string]map[string]struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lists: map[string][]string{},
		sets:  map[string]map[string]struct{}{},
	}
}

func (f *fakeStore) LPush(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append([]string{value}, f.lists[key]...)
	return nil
}

func (f *fakeStore) LIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[key]
	if index < 0 || index >= int64(len(l)) {
		return "", false, nil
	}
	return l[index], true, nil
}

func (f *fakeStore) SAdd(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = map[string]struct{}{}
	}
	f.sets[key][member] = struct{}{}
	return nil
}

func (f *fakeStore) SRem(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}

func (f *fakeStore) SCard(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.sets[key])), nil
}

func (f *fakeStore) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) SRandMember(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for m := range f.sets[key] {
		return m, true, nil
	}
	return "", false, nil
}

func (f *fakeStore) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lists, key)
	delete(f.sets, key)
	return nil
}

func (f *fakeStore) MultiRandMembers(ctx context.Context, keys []string) (map[string]string, error) {
	out := map[string]string{}
	for _, key := range keys {
		if v, ok, _ := f.SRandMember(ctx, key); ok {
			out[key] = v
		}
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) hasList(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists[key]) > 0
}

func (f *fakeStore) inSet(key, member string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sets[key][member]
	return ok
}

// fakeQueue records publishes and can fail selectively.
type fakeQueue struct {
	mu         sync.Mutex
	missing    bool
	published  map[string][]string
	failAtSend int // 1-based index of the PublishBurst call that fails; 0 = never
	sends      int
}

func newFakeQueue() *fakeQueue { return &fakeQueue{published: map[string][]string{}} }

func (q *fakeQueue) CheckQueueOrThrow(name string) error {
	if q.missing {
		return fmt.Errorf("ENOQUEUE:%s", name)
	}
	return nil
}

func (q *fakeQueue) Publish(ctx context.Context, name, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published[name] = append(q.published[name], payload)
	return nil
}

func (q *fakeQueue) PublishBurst(ctx context.Context, name, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sends++
	if q.failAtSend > 0 && q.sends == q.failAtSend {
		return errors.New("broker hiccup")
	}
	q.published[name] = append(q.published[name], payload)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) messages(name string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.published[name]...)
}

// fakeObjects is a plan.ObjectSource over fixed keys.
type fakeObjects struct {
	bucket string
	keys   []string
}

func (f *fakeObjects) StreamObjects(ctx context.Context, q objstore.Query, fn func(objstore.Object) error) error {
	emitted := 0
	for _, k := range f.keys {
		if !q.Filter.Match(k) {
			continue
		}
		if q.MaxFiles > 0 && emitted >= q.MaxFiles {
			return nil
		}
		if err := fn(objstore.Object{Bucket: f.bucket, Key: k}); err != nil {
			return err
		}
		emitted++
	}
	return nil
}

func (f *fakeObjects) ListPrefixesAtDepth(ctx context.Context, bucket, base string, depth int) ([]string, error) {
	return nil, nil
}
