package ptyd

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeAddr returns a loopback address with nothing listening on it.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestEnsureRunningSkipsSpawnWhenReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewSpawner(SpawnerOptions{
		Addr:       ln.Addr().String(),
		Executable: "unused",
		Launch: func(string, []string, string) error {
			t.Fatal("launch must not be called")
			return nil
		},
	})
	require.NoError(t, s.EnsureRunning(context.Background()))
	assert.Equal(t, 0, s.Launches())
}

func TestConcurrentEnsureRunningSpawnsOnce(t *testing.T) {
	addr := freeAddr(t)

	var mu sync.Mutex
	var listeners []net.Listener
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range listeners {
			l.Close()
		}
	})

	s := NewSpawner(SpawnerOptions{
		Addr:         addr,
		Executable:   "ptyd",
		Args:         []string{"daemon"},
		PollInterval: 10 * time.Millisecond,
		Launch: func(exe string, args []string, _ string) error {
			assert.Equal(t, "ptyd", exe)
			assert.Equal(t, []string{"daemon"}, args)
			// Simulate a daemon that takes a moment to bind.
			go func() {
				time.Sleep(100 * time.Millisecond)
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return
				}
				go func() {
					for {
						c, err := ln.Accept()
						if err != nil {
							return
						}
						c.Close()
					}
				}()
				mu.Lock()
				listeners = append(listeners, ln)
				mu.Unlock()
			}()
			return nil
		},
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.EnsureRunning(context.Background())
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, s.Launches())
}

func TestEnsureRunningTimesOut(t *testing.T) {
	s := NewSpawner(SpawnerOptions{
		Addr:           freeAddr(t),
		Executable:     "ptyd",
		PollInterval:   10 * time.Millisecond,
		StartupTimeout: 150 * time.Millisecond,
		Launch:         func(string, []string, string) error { return nil },
	})
	err := s.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, ErrStartupTimeout)
	assert.Equal(t, 1, s.Launches())
}

func TestEnsureRunningLaunchFailure(t *testing.T) {
	boom := errors.New("exec format error")
	s := NewSpawner(SpawnerOptions{
		Addr:       freeAddr(t),
		Executable: "ptyd",
		Launch:     func(string, []string, string) error { return boom },
	})
	err := s.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestEnsureRunningHonorsCallerContext(t *testing.T) {
	s := NewSpawner(SpawnerOptions{
		Addr:           freeAddr(t),
		Executable:     "ptyd",
		StartupTimeout: 5 * time.Second,
		Launch:         func(string, []string, string) error { return nil },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.EnsureRunning(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
