package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloop/kvsrtc/credential"
)

type fakeAPI struct {
	mu sync.Mutex

	getTokenCalls    int
	describeCalls    int
	createCalls      int
	getEndpointCalls int
	getICECalls      int

	describeStatus      int
	describeNotFoundOnce bool // S4: describe returns 404 once, then 200
	createStatus        int

	statusCode int // default status for everything else
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{statusCode: 200, describeStatus: 200, createStatus: 200}
}

func (f *fakeAPI) GetToken(ctx context.Context, creds *credential.Credentials) (APIResponse, error) {
	f.mu.Lock()
	f.getTokenCalls++
	f.mu.Unlock()
	return APIResponse{StatusCode: f.statusCode}, nil
}

func (f *fakeAPI) DescribeChannel(ctx context.Context, channelName string) (APIResponse, error) {
	f.mu.Lock()
	f.describeCalls++
	status := f.describeStatus
	if f.describeNotFoundOnce && f.describeCalls == 1 {
		status = 404
	}
	f.mu.Unlock()
	return APIResponse{StatusCode: status, ChannelARN: "arn:test/" + channelName}, nil
}

func (f *fakeAPI) CreateChannel(ctx context.Context, channelName string) (APIResponse, error) {
	f.mu.Lock()
	f.createCalls++
	status := f.createStatus
	f.mu.Unlock()
	return APIResponse{StatusCode: status, ChannelARN: "arn:test/" + channelName}, nil
}

func (f *fakeAPI) GetSignalingEndpoint(ctx context.Context, channelARN string, role Role) (APIResponse, error) {
	f.mu.Lock()
	f.getEndpointCalls++
	f.mu.Unlock()
	return APIResponse{StatusCode: f.statusCode, HTTPS: "https://example.test", WSS: "wss://example.test"}, nil
}

func (f *fakeAPI) GetICEServerConfig(ctx context.Context, channelARN string) (APIResponse, error) {
	f.mu.Lock()
	f.getICECalls++
	f.mu.Unlock()
	return APIResponse{StatusCode: f.statusCode, ICEConfigs: []ICEServerConfig{
		{URIs: []string{"turn:example.test:3478"}, Username: "u", Password: "p", TTL: time.Hour, FetchedAt: time.Now()},
	}}, nil
}

type fakeTunnel struct {
	mu       sync.Mutex
	dialed   bool
	dialErr  error
	sent     [][]byte
	closed   bool
}

func (t *fakeTunnel) Dial(ctx context.Context, wss string) error {
	if t.dialErr != nil {
		return t.dialErr
	}
	t.mu.Lock()
	t.dialed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTunnel) Send(raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, raw)
	return nil
}

func (t *fakeTunnel) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func newTestClient(t *testing.T, api *fakeAPI, tun *fakeTunnel) *Client {
	t.Helper()
	t.Setenv(credential.EnvAccessKey, "AKIDEXAMPLE")
	t.Setenv(credential.EnvSecretKey, "secret")
	t.Setenv(credential.EnvDefaultRegion, "us-west-2")
	creds, err := credential.NewStaticProviderFromEnv()
	require.NoError(t, err)

	cache := t.TempDir() + "/.SignalingCache_v0"
	c, err := NewClient(Config{
		ChannelName:  "test-channel",
		Role:         RoleMaster,
		CredProvider: creds,
		API:          api,
		Tunnel:       tun,
		CachePath:    cache,
	})
	require.NoError(t, err)
	return c
}

func TestConnectHappyPathReachesConnected(t *testing.T) {
	api := newFakeAPI()
	tun := &fakeTunnel{}
	c := newTestClient(t, api, tun)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.CurrentState())
	assert.True(t, tun.dialed)
	assert.Equal(t, 1, api.getTokenCalls)
	assert.Equal(t, 1, api.describeCalls)
	assert.Equal(t, 0, api.createCalls)
	assert.Equal(t, 1, api.getEndpointCalls)
	assert.Equal(t, 1, api.getICECalls)
	assert.Equal(t, 1, c.GetICEConfigInfoCount())
}

func TestDescribeNotFoundBranchesToCreate(t *testing.T) {
	// spec.md §8 scenario S4: describe 404s once, then 200; path goes
	// describe -> create -> describe -> get-endpoint -> ...
	api := newFakeAPI()
	api.describeNotFoundOnce = true
	tun := &fakeTunnel{}
	c := newTestClient(t, api, tun)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.CurrentState())
	assert.Equal(t, 2, api.describeCalls)
	assert.Equal(t, 1, api.createCalls)
}

func TestSendRequiresConnectedState(t *testing.T) {
	api := newFakeAPI()
	tun := &fakeTunnel{}
	c := newTestClient(t, api, tun)

	err := c.Send(MessageOffer, "peer", "corr", []byte("{}"))
	require.Error(t, err)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindInvalidState, ce.Kind)
}

func TestSendAfterConnectSucceeds(t *testing.T) {
	api := newFakeAPI()
	tun := &fakeTunnel{}
	c := newTestClient(t, api, tun)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Send(MessageOffer, "peer", "corr", []byte(`{"type":"offer","sdp":"v=0\r\n"}`)))
	assert.Len(t, tun.sent, 1)
}

func TestHandleInboundFrameDispatchesOffer(t *testing.T) {
	api := newFakeAPI()
	tun := &fakeTunnel{}
	var gotPeer string
	var gotSD *SessionDescription
	c := newTestClient(t, api, tun)
	c.hooks.OnOffer = func(peer string, sd *SessionDescription) {
		gotPeer = peer
		gotSD = sd
	}

	payload, err := EncodeSessionDescription(&SessionDescription{Type: SDPOffer, SDP: "v=0\r\n"})
	require.NoError(t, err)
	raw, err := EncodeEnvelope(MessageOffer, "remote-peer", "", payload)
	require.NoError(t, err)

	c.HandleInboundFrame(raw)
	assert.Equal(t, "remote-peer", gotPeer)
	require.NotNil(t, gotSD)
	assert.Equal(t, SDPOffer, gotSD.Type)
}

func TestHandleInboundFrameDispatchesErrorOnMalformedEnvelope(t *testing.T) {
	api := newFakeAPI()
	tun := &fakeTunnel{}
	var gotErr error
	c := newTestClient(t, api, tun)
	c.hooks.OnError = func(err error) { gotErr = err }

	c.HandleInboundFrame([]byte("not json"))
	require.Error(t, gotErr)
}

func TestDisconnectClosesTunnelAndDemotesState(t *testing.T) {
	api := newFakeAPI()
	tun := &fakeTunnel{}
	c := newTestClient(t, api, tun)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect())
	assert.True(t, tun.closed)
	assert.Equal(t, StateDisconnected, c.CurrentState())
}

func TestRequestICEConfigRefreshOverridesReadyTransition(t *testing.T) {
	api := newFakeAPI()
	tun := &fakeTunnel{}
	c := newTestClient(t, api, tun)

	// Drive to Ready then request a refresh before the next step.
	ctx := context.Background()
	for c.CurrentState() != StateReady {
		require.NoError(t, c.step(ctx, &stepResult{statusCode: 200}))
	}
	c.RequestICEConfigRefresh()
	require.NoError(t, c.step(ctx, &stepResult{statusCode: 200, forceRefresh: true}))
	assert.Equal(t, StateGetICEConfig, c.CurrentState())
	assert.Equal(t, 2, api.getICECalls)
}
