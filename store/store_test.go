package store

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/statelayer/statelayer/events"
)

// todosReducer appends string payloads of "todos/add" actions to the
// todos slice, copy-on-write.
func todosReducer(tree StateTree, a Action) (StateTree, error) {
	switch a.Type {
	case "todos/add":
		text, ok := a.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("payload is %T, want string", a.Payload)
		}
		next := cloneTree(tree)
		prev, _ := tree["todos"].([]any)
		todos := make([]any, 0, len(prev)+1)
		todos = append(todos, prev...)
		next["todos"] = append(todos, text)
		return next, nil
	case "boom":
		return nil, errors.New("reducer failure")
	case "panic":
		panic("reducer panic")
	default:
		return tree, nil
	}
}

func cloneTree(tree StateTree) StateTree {
	next := make(StateTree, len(tree))
	for k, v := range tree {
		next[k] = v
	}
	return next
}

func todos(t *testing.T, tree StateTree) []any {
	t.Helper()
	list, _ := tree["todos"].([]any)
	return list
}

func TestDispatchAppliesReducer(t *testing.T) {
	st := New(todosReducer, StateTree{"todos": []any{}})

	if err := st.Dispatch(Action{Type: "todos/add", Payload: "write tests"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := todos(t, st.GetState())
	if len(got) != 1 || got[0] != "write tests" {
		t.Fatalf("todos = %v, want [write tests]", got)
	}
}

func TestDispatchErrorLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name   string
		action Action
	}{
		{"reducer error", Action{Type: "boom"}},
		{"reducer panic", Action{Type: "panic"}},
		{"bad transform payload", Action{Type: ActionTransform, Payload: "not a transform"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := New(todosReducer, StateTree{"todos": []any{"a"}})
			before := st.GetState()

			notified := 0
			st.Subscribe(func(StateTree) { notified++ })

			err := st.Dispatch(tt.action)
			if err == nil {
				t.Fatal("expected dispatch error")
			}
			var rerr *ReducerError
			if !errors.As(err, &rerr) {
				t.Fatalf("error = %v, want ReducerError", err)
			}
			after := st.GetState()
			if got := todos(t, after); len(got) != 1 || got[0] != "a" {
				t.Fatalf("todos = %v, want [a]", got)
			}
			if fmt.Sprintf("%p", after["todos"]) != fmt.Sprintf("%p", before["todos"]) {
				t.Fatal("todos slice replaced after failed dispatch")
			}
			if notified != 0 {
				t.Fatalf("notified %d times after failed dispatch", notified)
			}
		})
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	st := New(todosReducer, nil)

	var got []StateTree
	unsub := st.Subscribe(func(tree StateTree) { got = append(got, tree) })

	if err := st.Dispatch(Action{Type: "todos/add", Payload: "a"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("notified %d times, want 1", len(got))
	}
	if len(todos(t, got[0])) != 1 {
		t.Fatalf("listener observed %v, want post-dispatch tree", got[0])
	}

	unsub()
	if err := st.Dispatch(Action{Type: "todos/add", Payload: "b"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("notified after unsubscribe")
	}
}

func TestDispatchAllSingleNotification(t *testing.T) {
	st := New(todosReducer, nil)

	notified := 0
	st.Subscribe(func(StateTree) { notified++ })

	err := st.DispatchAll(
		Action{Type: "todos/add", Payload: "a"},
		Action{Type: "todos/add", Payload: "b"},
		Action{Type: "todos/add", Payload: "c"},
	)
	if err != nil {
		t.Fatalf("dispatch all: %v", err)
	}
	if notified != 1 {
		t.Fatalf("notified %d times, want 1", notified)
	}
	if got := todos(t, st.GetState()); len(got) != 3 {
		t.Fatalf("todos = %v, want 3 entries", got)
	}
}

func TestDispatchAllAbortsAtomically(t *testing.T) {
	st := New(todosReducer, StateTree{"todos": []any{"kept"}})

	notified := 0
	st.Subscribe(func(StateTree) { notified++ })

	err := st.DispatchAll(
		Action{Type: "todos/add", Payload: "a"},
		Action{Type: "boom"},
		Action{Type: "todos/add", Payload: "b"},
	)
	if err == nil {
		t.Fatal("expected batch to fail")
	}
	if got := todos(t, st.GetState()); len(got) != 1 || got[0] != "kept" {
		t.Fatalf("todos = %v, want [kept]", got)
	}
	if notified != 0 {
		t.Fatalf("notified %d times for aborted batch", notified)
	}
}

func TestReentrantDispatchRejected(t *testing.T) {
	st := New(todosReducer, nil)

	var inner error
	st.Subscribe(func(StateTree) {
		inner = st.Dispatch(Action{Type: "todos/add", Payload: "nested"})
	})

	if err := st.Dispatch(Action{Type: "todos/add", Payload: "outer"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !errors.Is(inner, ErrReentrantDispatch) {
		t.Fatalf("nested dispatch error = %v, want ErrReentrantDispatch", inner)
	}
	if got := todos(t, st.GetState()); len(got) != 1 {
		t.Fatalf("todos = %v, want only the outer add", got)
	}
}

func TestGetStateDuringNotification(t *testing.T) {
	st := New(todosReducer, nil)

	var observed, current StateTree
	st.Subscribe(func(tree StateTree) {
		observed = tree
		current = st.GetState()
	})

	if err := st.Dispatch(Action{Type: "todos/add", Payload: "a"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(todos(t, observed)) != 1 || len(todos(t, current)) != 1 {
		t.Fatal("listener did not observe committed state")
	}
}

func TestMiddlewareOnionOrder(t *testing.T) {
	st := New(todosReducer, nil)

	var order []string
	mw := func(name string) Middleware {
		return func(next Dispatcher) Dispatcher {
			return func(a Action) error {
				order = append(order, name+":in")
				err := next(a)
				order = append(order, name+":out")
				return err
			}
		}
	}
	if err := st.Use(mw("a"), mw("b")); err != nil {
		t.Fatalf("use: %v", err)
	}

	if err := st.Dispatch(Action{Type: "todos/add", Payload: "x"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	want := []string{"a:in", "b:in", "b:out", "a:out"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMiddlewareShortCircuitSkipsReducer(t *testing.T) {
	st := New(todosReducer, nil)

	drop := func(next Dispatcher) Dispatcher {
		return func(a Action) error {
			if a.Type == "todos/add" {
				return nil
			}
			return next(a)
		}
	}
	if err := st.Use(drop); err != nil {
		t.Fatalf("use: %v", err)
	}

	if err := st.Dispatch(Action{Type: "todos/add", Payload: "dropped"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := todos(t, st.GetState()); len(got) != 0 {
		t.Fatalf("todos = %v, want dropped action to not reduce", got)
	}
}

func TestUseAfterDispatch(t *testing.T) {
	st := New(todosReducer, nil)
	if err := st.Dispatch(Action{Type: "todos/add", Payload: "a"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	err := st.Use(func(next Dispatcher) Dispatcher { return next })
	if !errors.Is(err, ErrAlreadyDispatched) {
		t.Fatalf("error = %v, want ErrAlreadyDispatched", err)
	}
}

func TestHydrateBypassesReducerAndMiddleware(t *testing.T) {
	reject := func(StateTree, Action) (StateTree, error) {
		return nil, errors.New("reducer must not run")
	}
	st := New(reject, nil)
	if err := st.Use(func(Dispatcher) Dispatcher {
		return func(Action) error { return errors.New("middleware must not run") }
	}); err != nil {
		t.Fatalf("use: %v", err)
	}

	notified := 0
	st.Subscribe(func(StateTree) { notified++ })

	st.Hydrate(StateTree{"todos": []any{"restored"}})

	if got := todos(t, st.GetState()); len(got) != 1 || got[0] != "restored" {
		t.Fatalf("todos = %v, want [restored]", got)
	}
	if notified != 1 {
		t.Fatalf("notified %d times, want 1", notified)
	}
}

func TestTransformAction(t *testing.T) {
	st := New(todosReducer, StateTree{"todos": []any{"a"}})

	err := st.Dispatch(Action{
		Type: ActionTransform,
		Payload: Transform(func(tree StateTree) StateTree {
			next := cloneTree(tree)
			next["todos"] = []any{"replaced"}
			return next
		}),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := todos(t, st.GetState()); len(got) != 1 || got[0] != "replaced" {
		t.Fatalf("todos = %v, want [replaced]", got)
	}
}

func deepCloneTree(tree StateTree) StateTree {
	next := make(StateTree, len(tree))
	for k, v := range tree {
		if list, ok := v.([]any); ok {
			next[k] = append([]any{}, list...)
			continue
		}
		next[k] = v
	}
	return next
}

// A reducer must be a pure function of its inputs: re-invoking it on
// the same tree and action yields a deep-equal result and leaves the
// input tree untouched. Exercised over a random action sequence.
func TestReducerPurityOverRandomActions(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kinds := []ActionType{"todos/add", "filter/set", "theme/set", "noop"}

	tree := StateTree{"todos": []any{}}
	for i := 0; i < 200; i++ {
		kind := kinds[rng.Intn(len(kinds))]
		a := Action{Type: kind, Payload: fmt.Sprintf("p%d", rng.Intn(50))}

		before := deepCloneTree(tree)
		first, err1 := todosReducer(tree, a)
		second, err2 := todosReducer(tree, a)

		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("action %d %s: errors diverged: %v vs %v", i, kind, err1, err2)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("action %d %s: results diverged:\n%v\n%v", i, kind, first, second)
		}
		if !reflect.DeepEqual(before, tree) {
			t.Fatalf("action %d %s: reducer mutated its input tree", i, kind)
		}
		if err1 == nil {
			tree = first
		}
	}
}

func TestEventsMiddleware(t *testing.T) {
	st := New(todosReducer, nil)
	rb := events.NewRingBuffer(10)
	if err := st.Use(EventsMiddleware(rb)); err != nil {
		t.Fatalf("use: %v", err)
	}

	if err := st.Dispatch(Action{Type: "todos/add", Payload: "a"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := st.Dispatch(Action{Type: "boom"}); err == nil {
		t.Fatal("expected dispatch error")
	}

	applied := rb.RecentByType(events.EventDispatchApplied, 10)
	if len(applied) != 1 || applied[0].Action != "todos/add" {
		t.Fatalf("applied events = %+v, want one todos/add", applied)
	}
	rejected := rb.RecentByType(events.EventDispatchRejected, 10)
	if len(rejected) != 1 || rejected[0].Error == "" {
		t.Fatalf("rejected events = %+v, want one with error detail", rejected)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	st := New(todosReducer, nil)
	if err := st.Use(RateLimitMiddleware(rate.Every(time.Hour), 1)); err != nil {
		t.Fatalf("use: %v", err)
	}

	if err := st.Dispatch(Action{Type: "todos/add", Payload: "a"}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	err := st.Dispatch(Action{Type: "todos/add", Payload: "b"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second dispatch error = %v, want ErrRateLimited", err)
	}

	// Engine transforms bypass the limiter.
	err = st.Dispatch(Action{
		Type:    ActionTransform,
		Payload: Transform(func(tree StateTree) StateTree { return tree }),
	})
	if err != nil {
		t.Fatalf("transform dispatch: %v", err)
	}
}
