package lifecycle

import "github.com/statelayer/statelayer/store"

// Action types dispatched by the manager. Phase actions for one logical
// operation share a Meta.RequestID; reducers that do not care about a
// type pass the state through unchanged.
const (
	ActionPending   store.ActionType = "op/pending"
	ActionFulfilled store.ActionType = "op/fulfilled"
	ActionRejected  store.ActionType = "op/rejected"
)

// PendingPayload accompanies an ActionPending dispatch.
type PendingPayload struct {
	Target string
}

// FulfilledPayload accompanies an ActionFulfilled dispatch.
type FulfilledPayload struct {
	Target string
	Result any
}

// RejectedPayload accompanies an ActionRejected dispatch. Cancelled is
// set when the rejection came from Cancel or a timeout rather than the
// executor itself.
type RejectedPayload struct {
	Target    string
	Err       error
	Cancelled bool
}

func pendingAction(requestID, target string, optimistic bool) store.Action {
	return store.Action{
		Type:    ActionPending,
		Payload: PendingPayload{Target: target},
		Meta:    store.Meta{RequestID: requestID, Optimistic: optimistic},
	}
}

func fulfilledAction(requestID, target string, result any) store.Action {
	return store.Action{
		Type:    ActionFulfilled,
		Payload: FulfilledPayload{Target: target, Result: result},
		Meta:    store.Meta{RequestID: requestID},
	}
}

func rejectedAction(requestID, target string, err error, cancelled bool) store.Action {
	return store.Action{
		Type:    ActionRejected,
		Payload: RejectedPayload{Target: target, Err: err, Cancelled: cancelled},
		Meta:    store.Meta{RequestID: requestID},
	}
}
