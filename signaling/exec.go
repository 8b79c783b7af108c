package signaling

import (
	"context"
	"time"
)

// The exec* methods are the Execute side of each FSM state in fsm.go: they
// perform the state's API call (or tunnel action) and stash the outcome
// into the stepResult the caller's next Step/step call will pass back in,
// mirroring how the original C SDK's state machine executors write their
// result into the shared context struct rather than returning it directly.
//
// r is shared across the whole Connect() loop (see Client.Connect), so every
// API-performing exec resets the fields it owns before writing a fresh
// outcome: otherwise a 404 or timeout recorded two states ago could leak
// into an unrelated later transition.
func resetAPIResult(r *stepResult) {
	r.statusCode = 0
	r.timeout = false
	r.notFound = false
}

func (c *Client) execGetToken(ctx context.Context, data interface{}, _ time.Time) error {
	r, _ := data.(*stepResult)
	resetAPIResult(r)
	creds, err := c.creds.Get()
	if err != nil {
		r.timeout = true
		return nil
	}
	start := time.Now()
	resp, err := c.api.GetToken(ctx, creds)
	c.metrics.RecordControlPlaneLatency(time.Since(start))
	if err != nil {
		r.timeout = true
		return nil
	}
	r.statusCode = resp.StatusCode
	return nil
}

func (c *Client) execDescribe(ctx context.Context, data interface{}, _ time.Time) error {
	r, _ := data.(*stepResult)
	resetAPIResult(r)
	start := time.Now()
	resp, err := c.api.DescribeChannel(ctx, c.channelName)
	c.metrics.RecordControlPlaneLatency(time.Since(start))
	if err != nil {
		r.timeout = true
		return nil
	}
	r.statusCode = resp.StatusCode
	r.notFound = resp.StatusCode == 404
	if resp.StatusCode == 200 {
		c.mu.Lock()
		c.channelARN = resp.ChannelARN
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) execCreate(ctx context.Context, data interface{}, _ time.Time) error {
	r, _ := data.(*stepResult)
	resetAPIResult(r)
	start := time.Now()
	resp, err := c.api.CreateChannel(ctx, c.channelName)
	c.metrics.RecordControlPlaneLatency(time.Since(start))
	if err != nil {
		r.timeout = true
		return nil
	}
	r.statusCode = resp.StatusCode
	if resp.StatusCode == 200 {
		c.mu.Lock()
		c.channelARN = resp.ChannelARN
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) execGetEndpoint(ctx context.Context, data interface{}, _ time.Time) error {
	r, _ := data.(*stepResult)
	resetAPIResult(r)
	c.mu.Lock()
	arn := c.channelARN
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.api.GetSignalingEndpoint(ctx, arn, c.role)
	c.metrics.RecordControlPlaneLatency(time.Since(start))
	if err != nil {
		r.timeout = true
		return nil
	}
	r.statusCode = resp.StatusCode
	if resp.StatusCode == 200 {
		c.mu.Lock()
		c.httpsEP = resp.HTTPS
		c.wssEP = resp.WSS
		c.mu.Unlock()
		_ = c.cache.Save(CacheEntry{
			ChannelName:    c.channelName,
			Role:           c.role,
			Region:         c.creds.Region(),
			ChannelARN:     arn,
			HTTPSEndpoint:  resp.HTTPS,
			WSSEndpoint:    resp.WSS,
			CreatedAtEpoch: time.Now().Unix(),
		})
	}
	return nil
}

func (c *Client) execGetICEConfig(ctx context.Context, data interface{}, _ time.Time) error {
	r, _ := data.(*stepResult)
	resetAPIResult(r)
	c.mu.Lock()
	arn := c.channelARN
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.api.GetICEServerConfig(ctx, arn)
	c.metrics.RecordControlPlaneLatency(time.Since(start))
	if err != nil {
		r.timeout = true
		return nil
	}
	r.statusCode = resp.StatusCode
	if resp.StatusCode == 200 {
		c.iceConfigs.Set(resp.ICEConfigs)
		c.metrics.ICERefreshCount.Add(1)
	}
	c.mu.Lock()
	c.forceRefresh = false
	c.mu.Unlock()
	return nil
}

func (c *Client) execEnterReady(_ context.Context, _ interface{}, _ time.Time) error {
	c.log.Debug("signaling client ready")
	return nil
}

func (c *Client) execConnect(ctx context.Context, data interface{}, _ time.Time) error {
	r, _ := data.(*stepResult)
	resetAPIResult(r)
	c.mu.Lock()
	wss := c.wssEP
	c.mu.Unlock()

	if err := c.tunnel.Dial(ctx, wss); err != nil {
		r.timeout = true
		return nil
	}
	r.statusCode = 200
	return nil
}

func (c *Client) execEnterConnected(_ context.Context, _ interface{}, _ time.Time) error {
	c.metrics.RecordConnected(time.Now())
	c.log.Info("signaling tunnel connected")
	return nil
}

func (c *Client) execEnterDisconnected(_ context.Context, _ interface{}, _ time.Time) error {
	c.metrics.Reconnects.Add(1)
	c.log.Warn("signaling tunnel disconnected")
	return nil
}

func (c *Client) execDelete(_ context.Context, _ interface{}, _ time.Time) error {
	_ = c.tunnel.Close()
	c.log.Info("signaling client deleted")
	return nil
}
