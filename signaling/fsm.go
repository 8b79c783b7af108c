package signaling

import (
	"github.com/driftloop/kvsrtc/internal/statemachine"
)

// FSM states (spec.md §4.6 "States").
const (
	StateNew statemachine.StateID = iota
	StateGetToken
	StateDescribe
	StateCreate
	StateGetEndpoint
	StateGetICEConfig
	StateReady
	StateConnect
	StateConnected
	StateDisconnected
	StateDelete
)

// RetryBudget is the budget for each API-performing state (spec.md §4.6:
// "Each API-performing state has retry budget 5").
const RetryBudget = 5

// stepResult is the ctxData every NextStateFunc inspects: the last API
// call's outcome, or a tunnel-delivered protocol directive.
type stepResult struct {
	statusCode   int // HTTP-style status the last API call returned
	timeout      bool
	notFound     bool // 404 from describe specifically (spec.md: "branches to create")
	goAway       bool // tunnel go-away frame
	reconnectICE bool // tunnel reconnect-ice frame
	forceRefresh bool // forced ICE-config refresh flag (spec.md §4.6, §9 Open Question)
	delete       bool // caller invoked delete()
}

func isAuthFailure(code int) bool  { return code == 401 || code == 403 }
func isServerError(code int) bool  { return code >= 500 && code < 600 }

// buildFSMTable wires the transition rules from spec.md §4.6 "Transitions":
// 200 OK advances; 401/403 returns to get-token; 404 from describe branches
// to create; 5xx and network timeouts step back to get-endpoint; a
// signaling-layer go-away frame demotes to describe; a reconnect-ice frame
// demotes to get-ice-config; a forced ICE-config refresh flag overrides to
// get-ice-config on any ready/connected exit.
func (c *Client) buildFSMTable() []*statemachine.State {
	apiState := func(id, onSuccess statemachine.StateID, execute statemachine.ExecuteFunc, accept uint64) *statemachine.State {
		return &statemachine.State{
			ID:         id,
			AcceptMask: accept,
			RetryBudget: RetryBudget,
			TerminalErr: &ClientError{Kind: KindTransport, Reason: "retry budget exhausted"},
			Execute:    execute,
			NextState: func(data interface{}) (statemachine.StateID, error) {
				r, _ := data.(*stepResult)
				if r == nil {
					return id, nil
				}
				if r.delete {
					return StateDelete, nil
				}
				switch {
				case isAuthFailure(r.statusCode):
					return StateGetToken, nil
				case id == StateDescribe && r.notFound:
					return StateCreate, nil
				case isServerError(r.statusCode) || r.timeout:
					return StateGetEndpoint, nil
				case r.statusCode == 200:
					return onSuccess, nil
				default:
					return id, nil
				}
			},
		}
	}

	transitionState := func(id statemachine.StateID, next func(*stepResult) statemachine.StateID, execute statemachine.ExecuteFunc, accept uint64) *statemachine.State {
		return &statemachine.State{
			ID:          id,
			AcceptMask:  accept,
			RetryBudget: statemachine.InfiniteRetries,
			Execute:     execute,
			NextState: func(data interface{}) (statemachine.StateID, error) {
				r, _ := data.(*stepResult)
				if r == nil {
					return id, nil
				}
				if r.delete {
					return StateDelete, nil
				}
				return next(r), nil
			},
		}
	}

	return []*statemachine.State{
		transitionState(StateNew,
			func(*stepResult) statemachine.StateID { return StateGetToken },
			nil, statemachine.AcceptMask(StateNew)),

		apiState(StateGetToken, StateDescribe, c.execGetToken,
			statemachine.AcceptMask(StateNew, StateGetToken, StateDescribe, StateCreate, StateGetEndpoint,
				StateGetICEConfig, StateReady, StateConnect, StateConnected, StateDisconnected)),

		apiState(StateDescribe, StateGetEndpoint, c.execDescribe,
			statemachine.AcceptMask(StateGetToken, StateDescribe, StateCreate, StateConnected)),

		// create succeeds back to describe (spec.md §8 scenario S4:
		// "…→describe→create→describe→get-endpoint→…") so the channel ARN
		// is picked up the same way an already-existing channel's is.
		apiState(StateCreate, StateDescribe, c.execCreate,
			statemachine.AcceptMask(StateDescribe, StateCreate)),

		apiState(StateGetEndpoint, StateGetICEConfig, c.execGetEndpoint,
			statemachine.AcceptMask(StateDescribe, StateCreate, StateGetEndpoint, StateGetToken,
				StateGetICEConfig)),

		apiState(StateGetICEConfig, StateReady, c.execGetICEConfig,
			statemachine.AcceptMask(StateGetEndpoint, StateGetICEConfig, StateReady, StateConnected, StateDisconnected)),

		transitionState(StateReady,
			func(r *stepResult) statemachine.StateID {
				if r.forceRefresh {
					return StateGetICEConfig
				}
				return StateConnect
			},
			c.execEnterReady, statemachine.AcceptMask(StateGetICEConfig, StateReady)),

		transitionState(StateConnect,
			func(r *stepResult) statemachine.StateID {
				if r.statusCode == 200 {
					return StateConnected
				}
				return StateConnect
			},
			c.execConnect, statemachine.AcceptMask(StateReady, StateConnect)),

		transitionState(StateConnected,
			func(r *stepResult) statemachine.StateID {
				switch {
				case r.forceRefresh:
					return StateGetICEConfig
				case r.goAway:
					return StateDescribe
				case r.reconnectICE:
					return StateGetICEConfig
				case r.timeout:
					return StateDisconnected
				default:
					return StateConnected
				}
			},
			c.execEnterConnected, statemachine.AcceptMask(StateConnect, StateConnected, StateDisconnected)),

		transitionState(StateDisconnected,
			func(r *stepResult) statemachine.StateID {
				if r.timeout {
					return StateGetEndpoint
				}
				return StateConnected
			},
			c.execEnterDisconnected, statemachine.AcceptMask(StateConnected, StateDisconnected)),

		transitionState(StateDelete,
			func(*stepResult) statemachine.StateID { return StateDelete },
			c.execDelete, statemachine.AcceptMask(StateNew, StateGetToken, StateDescribe, StateCreate, StateGetEndpoint,
				StateGetICEConfig, StateReady, StateConnect, StateConnected, StateDisconnected, StateDelete)),
	}
}
