package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestKeyedLockerExclusion(t *testing.T) {
	l := NewKeyedLocker()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "s1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxSeen)
	}
	if l.Len() != 0 {
		t.Fatalf("expected idle keys to be released, got %d", l.Len())
	}
}

func TestKeyedLockerIndependentKeys(t *testing.T) {
	l := NewKeyedLocker()
	unlockA, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("different keys must not block each other: %v", err)
	}
	unlockB()
}

func TestKeyedLockerContextCancel(t *testing.T) {
	l := NewKeyedLocker()
	unlock, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock()
	if l.Len() != 0 {
		t.Fatalf("expected no leaked entries, got %d", l.Len())
	}
}

type mockLockClient struct {
	mu       sync.Mutex
	held     map[string]string
	evalKeys []string
	setErr   error
}

func (m *mockLockClient) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if m.setErr != nil {
		cmd.SetErr(m.setErr)
		return cmd
	}
	if _, ok := m.held[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	m.held[key] = value.(string)
	cmd.SetVal(true)
	return cmd
}

func (m *mockLockClient) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evalKeys = append(m.evalKeys, keys...)
	cmd := redis.NewCmd(ctx)
	if m.held[keys[0]] == args[0].(string) {
		delete(m.held, keys[0])
		cmd.SetVal(int64(1))
		return cmd
	}
	cmd.SetVal(int64(0))
	return cmd
}

func TestRedisSessionLocker(t *testing.T) {
	client := &mockLockClient{held: make(map[string]string)}
	l := newRedisSessionLocker(client, time.Minute)
	l.retry = time.Millisecond

	unlock, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second holder to wait until deadline, got %v", err)
	}

	unlock()
	unlock()
	if len(client.evalKeys) != 1 || client.evalKeys[0] != "chat:lock:s1" {
		t.Fatalf("expected a single release on chat:lock:s1, got %+v", client.evalKeys)
	}

	again, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("expected lock to be free after release: %v", err)
	}
	again()

	client.setErr = errors.New("redis down")
	if _, err := l.Lock(context.Background(), "s2"); !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
}
