package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/driftloop/kvsrtc/credential"
	"github.com/driftloop/kvsrtc/internal/statemachine"
	kvslog "github.com/driftloop/kvsrtc/pkg/logging"
)

// APIResponse is the generic shape every control-plane call in APIClient
// returns: an HTTP-style status code plus whatever body the caller needs.
type APIResponse struct {
	StatusCode int
	ChannelARN string
	HTTPS      string
	WSS        string
	ICEConfigs []ICEServerConfig
}

// APIClient is the HTTPS control-plane contract (spec.md §4.6): kept as an
// interface so tests can supply the mock HTTP layer scenario S3 describes
// ("mock HTTP layer returning 200/200/200/200").
type APIClient interface {
	GetToken(ctx context.Context, creds *credential.Credentials) (APIResponse, error)
	DescribeChannel(ctx context.Context, channelName string) (APIResponse, error)
	CreateChannel(ctx context.Context, channelName string) (APIResponse, error)
	GetSignalingEndpoint(ctx context.Context, channelARN string, role Role) (APIResponse, error)
	GetICEServerConfig(ctx context.Context, channelARN string) (APIResponse, error)
}

// Tunnel is the WebSocket data-plane contract (spec.md §4.6).
type Tunnel interface {
	Dial(ctx context.Context, wssEndpoint string) error
	Send(raw []byte) error
	Close() error
}

// Hooks are the inbound message dispatch callbacks (spec.md §3
// "message dispatch hooks"), serialized on the WebSocket reader goroutine.
type Hooks struct {
	OnOffer        func(peerClientID string, sd *SessionDescription)
	OnAnswer       func(peerClientID string, sd *SessionDescription)
	OnICECandidate func(peerClientID string, cand *ICECandidateInit)
	OnStatus       func(status StatusResponsePayload)
	OnError        func(err error)
}

// Config carries Client construction parameters.
type Config struct {
	ChannelName   string
	Role          Role
	CredProvider  credential.Provider
	API           APIClient
	Tunnel        Tunnel
	CachePath     string
	CacheMaxAge   time.Duration
	Hooks         Hooks
	LoggerFactory logging.LoggerFactory
}

// Client is SignalingClient from spec.md §3.
type Client struct {
	log logging.LeveledLogger

	channelName string
	role        Role
	creds       credential.Provider
	api         APIClient
	tunnel      Tunnel
	cache       *EndpointCache
	cacheMaxAge time.Duration
	hooks       Hooks

	mu         sync.Mutex
	fsm        *statemachine.Machine
	channelARN string
	httpsEP    string
	wssEP      string
	iceConfigs iceConfigStore
	forceRefresh bool

	metrics *Metrics
}

// NewClient constructs a Client in state New.
func NewClient(cfg Config) (*Client, error) {
	factory := cfg.LoggerFactory
	if factory == nil {
		factory = kvslog.NewFactory()
	}
	maxAge := cfg.CacheMaxAge
	if maxAge == 0 {
		maxAge = 5 * time.Minute
	}

	c := &Client{
		log:         factory.NewLogger(kvslog.ScopeSignaling),
		channelName: cfg.ChannelName,
		role:        cfg.Role,
		creds:       cfg.CredProvider,
		api:         cfg.API,
		cache:       NewEndpointCache(cfg.CachePath),
		cacheMaxAge: maxAge,
		hooks:       cfg.Hooks,
		metrics:     NewMetrics(time.Now()),
	}
	c.tunnel = cfg.Tunnel
	if c.tunnel == nil {
		c.tunnel = NewDefaultTunnel(c)
	}

	fsm, err := statemachine.New(c.buildFSMTable(), StateNew)
	if err != nil {
		return nil, err
	}
	c.fsm = fsm
	return c, nil
}

// CurrentState returns the FSM's current state.
func (c *Client) CurrentState() statemachine.StateID { return c.fsm.CurrentState() }

// Metrics returns the client's live metrics snapshot accessor.
func (c *Client) Metrics() *Metrics { return c.metrics }

// step runs one FSM Step with ctx/r, recording errors/runtime-errors as
// spec.md §7's propagation policy requires (silent retries, surfaced only
// once the retry budget is exhausted).
func (c *Client) step(ctx context.Context, r *stepResult) error {
	if err := c.fsm.Step(ctx, r, time.Time{}); err != nil {
		c.metrics.Errors.Add(1)
		var term *statemachine.TerminalError
		if asTerminalError(err, &term) {
			c.metrics.RuntimeErrors.Add(1)
		}
		return err
	}
	return nil
}

func asTerminalError(err error, target **statemachine.TerminalError) bool {
	te, ok := err.(*statemachine.TerminalError)
	if ok {
		*target = te
	}
	return ok
}

// Connect drives the FSM from New through to Connected, per scenario S3's
// happy path (spec.md §8 scenario S3).
func (c *Client) Connect(ctx context.Context) error {
	// r is deliberately shared across every Step call in this loop: Step
	// reads the current state's NextState from whatever the *previous*
	// state's Execute wrote into r, then runs the new state's Execute to
	// populate r for the following iteration. Each exec* function resets
	// the fields it owns at entry so stale results can't leak across
	// unrelated states.
	r := &stepResult{}
	for {
		state := c.fsm.CurrentState()
		if state == StateConnected {
			c.metrics.RecordConnected(time.Now())
			return nil
		}
		c.mu.Lock()
		r.forceRefresh = c.forceRefresh
		c.mu.Unlock()
		if err := c.step(ctx, r); err != nil {
			return err
		}
	}
}

// Send requires state Connected (spec.md §4.6 "Outbound messages").
func (c *Client) Send(msgType MessageType, peerClientID, correlationID string, payload []byte) error {
	c.mu.Lock()
	state := c.fsm.CurrentState()
	c.mu.Unlock()
	if state != StateConnected {
		return &ClientError{Kind: KindInvalidState, Reason: "send requires connected state"}
	}
	raw, err := EncodeEnvelope(msgType, peerClientID, correlationID, payload)
	if err != nil {
		return &ClientError{Kind: KindProtocol, Reason: "encode envelope", Err: err}
	}
	if err := c.tunnel.Send(raw); err != nil {
		return &ClientError{Kind: KindTransport, Reason: "tunnel send", Err: err}
	}
	c.metrics.MessagesSent.Add(1)
	return nil
}

// applyTunnelDirective steps the FSM in response to a tunnel-delivered
// go-away/reconnect-ice frame, from whatever state the FSM is currently in
// (spec.md §4.6: these directives apply "on the tunnel" regardless of the
// in-flight API call).
func (c *Client) applyTunnelDirective(r *stepResult) {
	if err := c.step(context.Background(), r); err != nil && c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

// handleTunnelClosed runs when the WebSocket read loop exits unexpectedly
// (not via an explicit Disconnect): it demotes the FSM so a future Connect
// call re-enters get-endpoint, matching the "timeout" transition rule
// rather than treating every close as an auth failure.
func (c *Client) handleTunnelClosed(err error) {
	if err == nil {
		return
	}
	c.applyTunnelDirective(&stepResult{timeout: true})
}

// NewDefaultTunnel builds a WSTunnel wired to dispatch inbound frames
// through c.HandleInboundFrame and to demote the FSM on an unexpected close.
func NewDefaultTunnel(c *Client) *WSTunnel {
	return NewWSTunnel(c.HandleInboundFrame, c.handleTunnelClosed)
}

// Disconnect closes the tunnel and demotes the FSM to Disconnected.
func (c *Client) Disconnect() error {
	if err := c.tunnel.Close(); err != nil {
		return &ClientError{Kind: KindTransport, Reason: "tunnel close", Err: err}
	}
	return c.fsm.ForceState(StateDisconnected)
}

// Delete tears the channel down; a terminal branch reachable from any state
// (spec.md §4.6).
func (c *Client) Delete(ctx context.Context) error {
	return c.step(ctx, &stepResult{delete: true, statusCode: 200})
}

// RequestICEConfigRefresh sets the forced-refresh flag spec.md §9's Open
// Question resolves in favor of: the refresh flag wins over an in-flight
// connect.
func (c *Client) RequestICEConfigRefresh() {
	c.mu.Lock()
	c.forceRefresh = true
	c.mu.Unlock()
}

// GetICEConfigInfoCount exposes the cached ICE server count (spec.md §4.6).
func (c *Client) GetICEConfigInfoCount() int { return c.iceConfigs.Count() }

// GetICEConfigInfo exposes one cached ICE server config by index.
func (c *Client) GetICEConfigInfo(index int) (ICEServerConfig, error) {
	return c.iceConfigs.Info(index)
}

// HandleInboundFrame decodes a raw WebSocket frame and dispatches it to the
// registered hook, serialized on the caller's (WebSocket reader) goroutine
// (spec.md §3 "message dispatch hooks").
func (c *Client) HandleInboundFrame(raw []byte) {
	env, payload, err := DecodeEnvelope(raw)
	if err != nil {
		c.metrics.Errors.Add(1)
		if c.hooks.OnError != nil {
			c.hooks.OnError(err)
		}
		return
	}
	c.metrics.MessagesReceived.Add(1)

	switch env.MessageType {
	case MessageOffer:
		sd, err := DecodeSessionDescription(payload)
		if err != nil {
			c.dispatchError(err)
			return
		}
		if c.hooks.OnOffer != nil {
			c.hooks.OnOffer(env.SenderClientID, sd)
		}
	case MessageAnswer:
		sd, err := DecodeSessionDescription(payload)
		if err != nil {
			c.dispatchError(err)
			return
		}
		if c.hooks.OnAnswer != nil {
			c.hooks.OnAnswer(env.SenderClientID, sd)
		}
	case MessageICECandidate:
		cand, err := DecodeICECandidateInit(payload)
		if err != nil {
			c.dispatchError(err)
			return
		}
		if c.hooks.OnICECandidate != nil {
			c.hooks.OnICECandidate(env.SenderClientID, cand)
		}
	case MessageGoAway:
		c.applyTunnelDirective(&stepResult{statusCode: 200, goAway: true})
	case MessageReconnectICE:
		c.applyTunnelDirective(&stepResult{statusCode: 200, reconnectICE: true})
	case MessageStatusResponse:
		var status StatusResponsePayload
		if err := json.Unmarshal(payload, &status); err != nil {
			c.dispatchError(&ProtocolError{Reason: "malformed status response", Err: err})
			return
		}
		if c.hooks.OnStatus != nil {
			c.hooks.OnStatus(status)
		}
	default:
		c.dispatchError(&ProtocolError{Reason: fmt.Sprintf("unknown message type %q", env.MessageType)})
	}
}

func (c *Client) dispatchError(err error) {
	c.metrics.Errors.Add(1)
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}
