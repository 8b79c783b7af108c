// Command signalctl drives a single signaling session end to end: gather
// local host ICE candidates, discover a channel, open the WebSocket tunnel,
// and run a local ice.Agent. Inbound SDP, ICE-candidate and status messages
// are only logged; they are not passed to the agent. It is a CLI harness
// over the signaling and internal/ice
// packages, grounded on 1ureka-roj1's internal/app client/host orchestration
// functions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftloop/kvsrtc/credential"
	"github.com/driftloop/kvsrtc/internal/ice"
	"github.com/driftloop/kvsrtc/internal/netio"
	"github.com/driftloop/kvsrtc/signaling"
)

func main() {
	channelName := flag.String("channel", "", "signaling channel name")
	role := flag.String("role", "Master", "channel role: Master or Viewer")
	baseURL := flag.String("endpoint", "", "control-plane base URL")
	cachePath := flag.String("cache", "", "on-disk endpoint cache path (default ./.SignalingCache_v0)")
	flag.Parse()

	if *channelName == "" || *baseURL == "" {
		fmt.Fprintln(os.Stderr, "usage: signalctl -channel <name> -endpoint <https://...> [-role Master|Viewer]")
		os.Exit(2)
	}

	if err := run(*channelName, signaling.Role(*role), *baseURL, *cachePath); err != nil {
		log.Fatalf("signalctl: %v", err)
	}
}

func run(channelName string, role signaling.Role, baseURL, cachePath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := credential.NewStaticProviderFromEnv()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("open local UDP socket: %w", err)
	}
	sock := netio.NewSocketConnection(conn)
	defer sock.Close()

	agent, err := ice.NewAgent(ice.Config{
		Controlling: role == signaling.RoleMaster,
		Socket:      sock,
		OnConnectionStateChange: func(state uint64) {
			log.Printf("ice: connection state changed to %d", state)
		},
	})
	if err != nil {
		return fmt.Errorf("create ice agent: %w", err)
	}

	hostCands, err := agent.GatherHostCandidates(netio.StdNetFactory, netio.StdNetTCPFactory)
	if err != nil {
		return fmt.Errorf("gather host candidates: %w", err)
	}
	for _, cand := range hostCands {
		log.Printf("ice: gathered host candidate %s %s:%d", cand.Kind, cand.IP, cand.Port)
	}

	client, err := signaling.NewClient(signaling.Config{
		ChannelName:  channelName,
		Role:         role,
		CredProvider: creds,
		API:          signaling.NewHTTPAPIClient(baseURL, nil),
		CachePath:    cachePath,
		Hooks: signaling.Hooks{
			OnOffer: func(peer string, sd *signaling.SessionDescription) {
				log.Printf("signaling: offer from %s (%d bytes sdp)", peer, len(sd.SDP))
			},
			OnAnswer: func(peer string, sd *signaling.SessionDescription) {
				log.Printf("signaling: answer from %s (%d bytes sdp)", peer, len(sd.SDP))
			},
			OnICECandidate: func(peer string, cand *signaling.ICECandidateInit) {
				log.Printf("signaling: ice candidate from %s: %s", peer, cand.Candidate)
			},
			OnStatus: func(status signaling.StatusResponsePayload) {
				log.Printf("signaling: status %s: %s", status.StatusCode, status.Description)
			},
			OnError: func(err error) {
				log.Printf("signaling: error: %v", err)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create signaling client: %w", err)
	}

	ufrag, pwd := agent.LocalCredentials()
	log.Printf("ice: local credentials ufrag=%s", ufrag)
	_ = pwd

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect signaling client: %w", err)
	}
	log.Printf("signaling: connected, %d cached ice server configs", client.GetICEConfigInfoCount())

	go agent.Run()

	<-ctx.Done()
	log.Println("signalctl: shutting down")
	_ = agent.Close()
	return client.Disconnect()
}
