package ice

import "time"

// keepaliveCheckInterval is how often checkKeepalive is evaluated; finer
// than the 15s/30s/45s thresholds it tests against so the disconnect/failed
// transitions land within about a second of the threshold.
const keepaliveCheckInterval = time.Second

// Run drives the agent's Ta-paced connectivity-check loop and the
// keepalive/disconnect-detection loop until Close is called. Callers start
// this in its own goroutine once gathering has produced at least one pair.
func (a *Agent) Run() {
	a.transition(StateCheckingConnection)

	checkTicker := time.NewTicker(Ta)
	keepaliveTicker := time.NewTicker(keepaliveCheckInterval)
	defer checkTicker.Stop()
	defer keepaliveTicker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-checkTicker.C:
			a.tick()
		case now := <-keepaliveTicker.C:
			a.checkKeepalive(now)
		}
	}
}
