// Package app wires the whole peer together: identity, transport, media
// engine, background store and the call session controller, plus the
// interactive console a headless peer is driven from.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/callkit/internal/background"
	"github.com/petervdpas/callkit/internal/config"
	"github.com/petervdpas/callkit/internal/directory"
	"github.com/petervdpas/callkit/internal/media"
	"github.com/petervdpas/callkit/internal/p2p"
	"github.com/petervdpas/callkit/internal/peer"
	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/session"
	"github.com/petervdpas/callkit/internal/signal"
	"github.com/petervdpas/callkit/internal/signal/pubsubsig"
	"github.com/petervdpas/callkit/internal/signal/wsig"
	"github.com/petervdpas/callkit/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	// ── libp2p node: stable identity + gossipsub
	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Printf("peer id: %s", node.ID())

	// ── Signaling transport: gossipsub by default, websocket relay when one
	// is configured (networks where a gossipsub mesh can't form).
	var transport signal.Transport
	if cfg.P2P.RelayURL != "" {
		ws, err := wsig.Dial(ctx, cfg.P2P.RelayURL)
		if err != nil {
			return fmt.Errorf("dial relay %s: %w", cfg.P2P.RelayURL, err)
		}
		transport = ws
		log.Printf("signaling via relay %s", cfg.P2P.RelayURL)
	} else {
		transport = pubsubsig.New(node.PubSub)
	}
	defer transport.Close()

	// ── Media engine (codecs, capture, peer connection factory)
	engine, err := media.NewEngine(cfg.Media.StunURLs)
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	// ── Background selection store + asset catalog
	bgStore, err := background.Open(util.ResolvePath(opt.PeerDir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer bgStore.Close()

	catalog, err := background.NewCatalog(util.ResolvePath(opt.PeerDir, cfg.Paths.BackgroundsDir))
	if err != nil {
		return fmt.Errorf("open background catalog: %w", err)
	}
	defer catalog.Close()

	// ── Directory client (id → display name)
	dir := directory.NewClient(cfg.Paths.DirectoryURL)

	identity := proto.Identity{Name: cfg.Identity.Name}

	// Assigned below; hooks only fire once the console is driving calls.
	var cons *console

	ctrl := session.New(session.Config{
		SelfID:    node.ID(),
		Identity:  identity,
		Transport: transport,
		NewPipeline: func() session.Pipeline {
			return media.NewPipeline(engine.Acquire, engine.NewVideoTrack)
		},
		NewPeers: func(cb peer.Callbacks) session.PeerSet {
			return peer.NewManager(node.ID(), func() (peer.Conn, error) {
				pc, err := engine.NewPeerConnection()
				if err != nil {
					return nil, err
				}
				return peer.WrapConn(pc), nil
			}, cb)
		},
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		HealthGrace: time.Duration(cfg.Call.HealthGraceSec) * time.Second,
		HealthTick:  time.Duration(cfg.Call.HealthIntervalSec) * time.Second,
		Hooks: session.Hooks{
			OnState: func(from, to string) {
				fmt.Printf("\r[%s -> %s]\n> ", from, to)
				if to == session.StateActive {
					cons.applySavedBackground()
				}
			},
			OnEnded: func(reason error) {
				if reason != nil {
					fmt.Printf("\rcall ended: %v\n> ", reason)
				} else {
					fmt.Printf("\rcall ended\n> ")
				}
			},
			OnRemoteStream: func(peerID string, stream *peer.RemoteStream) {
				name := dir.Lookup(ctx, peerID).Name
				fmt.Printf("\r%s: %d remote track(s)\n> ", name, len(stream.Tracks))
			},
			OnConnected: func(peerID string) {
				name := dir.Lookup(ctx, peerID).Name
				fmt.Printf("\rconnected to %s\n> ", name)
			},
		},
	})
	defer ctrl.Close()

	inbox, err := session.NewInbox(transport, node.ID(), identity)
	if err != nil {
		return fmt.Errorf("open call inbox: %w", err)
	}
	defer inbox.Close()

	cons = &console{
		ctrl:    ctrl,
		inbox:   inbox,
		node:    node,
		dir:     dir,
		bgStore: bgStore,
		catalog: catalog,
	}
	return cons.run(ctx)
}
