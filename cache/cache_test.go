package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statelayer/statelayer/config"
	"github.com/statelayer/statelayer/lifecycle"
	"github.com/statelayer/statelayer/pkg/testutil"
	"github.com/statelayer/statelayer/store"
)

func testOptions() config.Options {
	o := config.Default()
	o.StaleTime = time.Minute
	o.GCTime = 10 * time.Millisecond
	o.DedupWindow = time.Second
	return o
}

func TestQueryCachesFreshData(t *testing.T) {
	c := New(testOptions())
	key := NewKey("todos.list", map[string]any{"page": 1})
	f := testutil.NewCountingFetcher([]any{"a", "b"})

	for i := 0; i < 3; i++ {
		data, err := c.Query(context.Background(), key, f.Fetch, QueryOptions{})
		require.NoError(t, err)
		require.Equal(t, []any{"a", "b"}, data)
	}
	require.Equal(t, 1, f.Calls())

	e, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, e.Status)
	require.False(t, e.Stale)
}

func TestQueryInvalidKey(t *testing.T) {
	c := New(testOptions())
	key := NewKey("q", map[string]any{"fn": func() {}})

	_, err := c.Query(context.Background(), key, testutil.NewCountingFetcher(nil).Fetch, QueryOptions{})
	var ike *InvalidKeyError
	require.ErrorAs(t, err, &ike)
}

func TestConcurrentQueriesShareOneFetch(t *testing.T) {
	c := New(testOptions())
	key := NewKey("user.profile", map[string]any{"id": 7})
	gate := testutil.NewGate()
	f := testutil.NewCountingFetcher("profile").Gated(gate)

	const n = 5
	results := make([]any, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Query(context.Background(), key, f.Fetch, QueryOptions{})
		}(i)
	}

	require.Eventually(t, func() bool { return gate.Waiting() == 1 }, time.Second, time.Millisecond)
	gate.Open()
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "profile", results[i])
	}
	require.Equal(t, 1, f.Calls())
}

func TestStaleServeRevalidatesInBackground(t *testing.T) {
	opts := testOptions()
	opts.StaleTime = time.Millisecond
	c := New(opts)
	key := NewKey("counter", nil)

	var mu sync.Mutex
	n := 0
	fetch := func(context.Context) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return n, nil
	}

	first, err := c.Query(context.Background(), key, fetch, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, first)

	time.Sleep(5 * time.Millisecond)

	// Past stale time: the old value comes back immediately and a
	// revalidation runs behind it.
	second, err := c.Query(context.Background(), key, fetch, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, second)

	require.Eventually(t, func() bool {
		e, ok := c.Get(key)
		return ok && e.Data == 2
	}, time.Second, time.Millisecond)
}

func TestStaleServeKeepsSuccessStatusDuringRevalidation(t *testing.T) {
	opts := testOptions()
	opts.StaleTime = time.Millisecond
	c := New(opts)
	key := NewKey("counter", nil)

	gate := testutil.NewGate()
	var mu sync.Mutex
	calls := 0
	fetch := func(ctx context.Context) (any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return "v1", nil
		}
		if err := gate.Wait(ctx); err != nil {
			return nil, err
		}
		return "v2", nil
	}

	first, err := c.Query(context.Background(), key, fetch, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, "v1", first)

	time.Sleep(5 * time.Millisecond)

	second, err := c.Query(context.Background(), key, fetch, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, "v1", second)

	// While the background revalidation is in flight, the entry keeps
	// reporting its last success, flagged stale, never Loading.
	require.Eventually(t, func() bool { return gate.Waiting() == 1 }, time.Second, time.Millisecond)
	e, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, e.Status)
	require.True(t, e.Stale)
	require.Equal(t, "v1", e.Data)

	gate.Open()
	require.Eventually(t, func() bool {
		e, ok := c.Get(key)
		return ok && e.Status == StatusSuccess && e.Data == "v2"
	}, time.Second, time.Millisecond)
}

func TestFetchFailureKeepsPriorData(t *testing.T) {
	opts := testOptions()
	c := New(opts)
	key := NewKey("todos.list", nil)

	var mu sync.Mutex
	fail := false
	fetch := func(context.Context) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("backend down")
		}
		return "v1", nil
	}

	data, err := c.Query(context.Background(), key, fetch, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, "v1", data)

	mu.Lock()
	fail = true
	mu.Unlock()
	require.NoError(t, c.InvalidateKey(key))

	// Stale serve returns the old value; the background refetch fails
	// and the entry records the error next to the retained data.
	data, err = c.Query(context.Background(), key, fetch, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, "v1", data)

	require.Eventually(t, func() bool {
		e, ok := c.Get(key)
		return ok && e.Status == StatusError && e.Err != nil && e.Data == "v1"
	}, time.Second, time.Millisecond)
}

func TestFetchErrorWrapsKey(t *testing.T) {
	c := New(testOptions())
	key := NewKey("broken", nil)
	boom := errors.New("boom")

	_, err := c.Query(context.Background(), key, testutil.NewCountingFetcher(nil).Fail(boom).Fetch, QueryOptions{})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "broken", fe.Key.Name)
	require.ErrorIs(t, err, boom)
}

func TestTagInvalidationRefetchesSubscribedEntries(t *testing.T) {
	c := New(testOptions())
	key := NewKey("todos.list", nil)
	f := testutil.NewCountingFetcher([]any{"a"})

	unsub, err := c.Subscribe(key, func(Entry) {})
	require.NoError(t, err)
	defer unsub()

	_, err = c.Query(context.Background(), key, f.Fetch, QueryOptions{Tags: []string{"todos"}})
	require.NoError(t, err)
	require.Equal(t, 1, f.Calls())

	c.Invalidate("todos")

	require.Eventually(t, func() bool { return f.Calls() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		e, _ := c.Get(key)
		return e.Status == StatusSuccess && !e.Stale
	}, time.Second, time.Millisecond)
}

func TestTagInvalidationLazyWithoutSubscribers(t *testing.T) {
	opts := testOptions()
	opts.DedupWindow = 0
	c := New(opts)
	key := NewKey("todos.list", nil)
	f := testutil.NewCountingFetcher([]any{"a"})

	_, err := c.Query(context.Background(), key, f.Fetch, QueryOptions{Tags: []string{"todos"}})
	require.NoError(t, err)

	c.Invalidate("todos")
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, f.Calls(), "no subscriber, no eager refetch")

	e, ok := c.Get(key)
	require.True(t, ok)
	require.True(t, e.Stale)

	// The next query serves stale data and refetches behind it.
	data, err := c.Query(context.Background(), key, f.Fetch, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, []any{"a"}, data)
	require.Eventually(t, func() bool { return f.Calls() == 2 }, time.Second, time.Millisecond)
}

func TestInvalidateKeyWithoutFetcher(t *testing.T) {
	c := New(testOptions())
	key := NewKey("todos.list", nil)

	// Subscribed but never queried: there is no fetcher to revalidate
	// with, and the caller hears about it.
	unsub, err := c.Subscribe(key, func(Entry) {})
	require.NoError(t, err)
	defer unsub()

	require.ErrorIs(t, c.InvalidateKey(key), ErrNoFetcher)

	// Once a query records a fetcher, the same invalidation revalidates.
	f := testutil.NewCountingFetcher("v")
	_, err = c.Query(context.Background(), key, f.Fetch, QueryOptions{})
	require.NoError(t, err)
	require.NoError(t, c.InvalidateKey(key))
	require.Eventually(t, func() bool { return f.Calls() == 2 }, time.Second, time.Millisecond)
}

func TestUnmatchedTagInvalidatesNothing(t *testing.T) {
	c := New(testOptions())
	key := NewKey("todos.list", nil)
	f := testutil.NewCountingFetcher([]any{"a"})

	_, err := c.Query(context.Background(), key, f.Fetch, QueryOptions{Tags: []string{"todos"}})
	require.NoError(t, err)

	c.Invalidate("users")

	e, _ := c.Get(key)
	require.False(t, e.Stale)
}

func TestSubscribeObservesEntryChanges(t *testing.T) {
	c := New(testOptions())
	key := NewKey("todos.list", nil)

	var mu sync.Mutex
	var statuses []Status
	unsub, err := c.Subscribe(key, func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, e.Status)
	})
	require.NoError(t, err)
	defer unsub()

	_, err = c.Query(context.Background(), key, testutil.NewCountingFetcher("v").Fetch, QueryOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Status{StatusIdle, StatusLoading, StatusSuccess}, statuses)
}

func TestEntryCollectedAfterLastUnsubscribe(t *testing.T) {
	opts := testOptions()
	opts.GCTime = 5 * time.Millisecond
	opts.DedupWindow = 0
	c := New(opts)
	key := NewKey("todos.list", nil)

	unsub, err := c.Subscribe(key, func(Entry) {})
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	unsub()
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
}

func TestResubscribeCancelsCollection(t *testing.T) {
	opts := testOptions()
	opts.GCTime = 20 * time.Millisecond
	c := New(opts)
	key := NewKey("todos.list", nil)

	unsub, err := c.Subscribe(key, func(Entry) {})
	require.NoError(t, err)
	unsub()

	resub, err := c.Subscribe(key, func(Entry) {})
	require.NoError(t, err)
	defer resub()

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, c.Len(), "resubscription must cancel the pending collection")
}

func TestDedupWindowServesRecentResultAfterEviction(t *testing.T) {
	opts := testOptions()
	opts.GCTime = time.Millisecond
	opts.DedupWindow = time.Second
	c := New(opts)
	key := NewKey("todos.list", nil)
	f := testutil.NewCountingFetcher("v")

	unsub, err := c.Subscribe(key, func(Entry) {})
	require.NoError(t, err)
	_, err = c.Query(context.Background(), key, f.Fetch, QueryOptions{})
	require.NoError(t, err)

	unsub()
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)

	// The entry is gone but the fetch resolved within the dedup window;
	// the result is reused instead of refetched.
	data, err := c.Query(context.Background(), key, f.Fetch, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, "v", data)
	require.Equal(t, 1, f.Calls())
}

func TestMutateInvalidatesOnSuccess(t *testing.T) {
	st := store.New(func(tree store.StateTree, _ store.Action) (store.StateTree, error) {
		return tree, nil
	}, nil)
	mgr := lifecycle.NewManager(st)
	c := New(testOptions(), WithManager(mgr))

	key := NewKey("todos.list", nil)
	f := testutil.NewCountingFetcher([]any{"a"})

	unsub, err := c.Subscribe(key, func(Entry) {})
	require.NoError(t, err)
	defer unsub()
	_, err = c.Query(context.Background(), key, f.Fetch, QueryOptions{Tags: []string{"todos"}})
	require.NoError(t, err)

	result, err := c.Mutate(context.Background(), "todos/add", func(context.Context) (any, error) {
		return "created", nil
	}, MutateOptions{Invalidates: []string{"todos"}})
	require.NoError(t, err)
	require.Equal(t, "created", result)

	require.Eventually(t, func() bool { return f.Calls() == 2 }, time.Second, time.Millisecond)
}

func TestMutateRejectedInvalidatesNothing(t *testing.T) {
	st := store.New(func(tree store.StateTree, _ store.Action) (store.StateTree, error) {
		return tree, nil
	}, nil)
	mgr := lifecycle.NewManager(st)
	c := New(testOptions(), WithManager(mgr))

	key := NewKey("todos.list", nil)
	f := testutil.NewCountingFetcher([]any{"a"})
	_, err := c.Query(context.Background(), key, f.Fetch, QueryOptions{Tags: []string{"todos"}})
	require.NoError(t, err)

	boom := errors.New("rejected")
	_, err = c.Mutate(context.Background(), "todos/add", func(context.Context) (any, error) {
		return nil, boom
	}, MutateOptions{
		Key:         &key,
		Invalidates: []string{"todos"},
		Retry:       &lifecycle.RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	require.ErrorIs(t, err, boom)

	// The rejection lands on the entry, prior data preserved; nothing
	// was invalidated.
	e, _ := c.Get(key)
	require.Equal(t, StatusError, e.Status)
	require.ErrorIs(t, e.Err, boom)
	require.Equal(t, []any{"a"}, e.Data)
	require.Equal(t, 1, f.Calls())
}

func TestMutateWithoutManager(t *testing.T) {
	c := New(testOptions())
	_, err := c.Mutate(context.Background(), "x", func(context.Context) (any, error) {
		return nil, nil
	}, MutateOptions{})
	require.ErrorIs(t, err, ErrNoManager)
}

func TestJanitorSweepsAbandonedEntries(t *testing.T) {
	opts := testOptions()
	opts.StaleTime = time.Millisecond
	opts.GCTime = time.Millisecond
	opts.JanitorEvery = 10 * time.Millisecond
	c := New(opts)
	require.NoError(t, c.Start())
	defer c.Stop()

	key := NewKey("orphan", nil)
	_, err := c.Query(context.Background(), key, testutil.NewCountingFetcher("v").Fetch, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	require.Eventually(t, func() bool { return c.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
