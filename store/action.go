package store

// StateTree is the single state tree held by a store: a nested mapping
// from domain key to domain slice value. Trees are immutable by
// convention. Reducers return a new tree (sharing unchanged branches)
// and never modify the one they were given; the store replaces its root
// wholesale on every dispatch, so a caller holding a previous tree
// observes a consistent snapshot forever.
type StateTree = map[string]any

// ActionType identifies the kind of an action. Consumers declare typed
// constants per domain ("todos/add") rather than passing loose strings
// around; the engine owns the "store/" and "op/" namespaces.
type ActionType string

const (
	// ActionTransform is the engine-owned action whose payload is a
	// Transform applied directly to the state tree. It is the channel
	// through which optimistic patches and rollbacks enter the dispatch
	// path, keeping dispatch the only mutation path.
	ActionTransform ActionType = "store/transform"
)

// Transform is a copy-on-write state update carried by an
// ActionTransform payload.
type Transform func(StateTree) StateTree

// Meta carries correlation metadata for one logical operation. Lifecycle
// phase actions for a single operation share a RequestID.
type Meta struct {
	RequestID  string
	Optimistic bool
	Hydrated   bool
}

// Action describes a state change request. Actions are immutable once
// dispatched.
type Action struct {
	Type    ActionType
	Payload any
	Meta    Meta
}

// Reducer computes the next state tree for an action. It must be pure:
// the same (state, action) pair always yields a deep-equal result with
// no observable side effect. Returning an error aborts the dispatch and
// leaves the state at its prior value.
type Reducer func(StateTree, Action) (StateTree, error)

// Listener observes committed state trees. Listeners run synchronously
// in registration order with the final post-dispatch state.
type Listener func(StateTree)

// Dispatcher is the dispatch function shape middleware wraps.
type Dispatcher func(Action) error

// Middleware wraps dispatch in an onion model: code before next runs in
// registration order, code after next in reverse order. A middleware
// must call next exactly once or deliberately short-circuit.
type Middleware func(next Dispatcher) Dispatcher
