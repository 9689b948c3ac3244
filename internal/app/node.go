// Package app contains the top-level orchestration of a node: it opens the
// configured transport, attaches the router and its content handlers, and
// drives the poll loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/relaymesh/internal/config"
	"github.com/1ureka/relaymesh/internal/pathcache"
	"github.com/1ureka/relaymesh/internal/replication"
	"github.com/1ureka/relaymesh/internal/router"
	"github.com/1ureka/relaymesh/internal/rpc"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/transport/rtc"
	"github.com/1ureka/relaymesh/internal/transport/ws"
	"github.com/1ureka/relaymesh/internal/util"
)

// ErrSessionEnded is returned by Run when the transport goes away.
var ErrSessionEnded = errors.New("app: session ended")

// Hooks are the application notifications of a node.
type Hooks struct {
	Router  router.Listener
	Objects replication.Listener
}

// Node is one participant of a session. The router and handlers are only
// touched from the goroutine running Run; other goroutines use Exec.
type Node struct {
	cfg *config.Config

	Router  *router.Router
	Paths   *pathcache.Cache
	Calls   *rpc.Registry
	Objects *replication.Replicator

	tasks chan func()
	done  chan struct{}
}

// New builds a node with every content handler attached and no transport.
func New(cfg *config.Config, hooks Hooks) *Node {
	n := &Node{
		cfg: cfg,
		Router: router.New(
			router.WithRelay(cfg.Relay),
			router.WithRootPath(cfg.Root),
			router.WithListener(hooks.Router),
		),
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	n.Paths = pathcache.New(n.Router)
	n.Calls = rpc.New(n.Router)
	n.Objects = replication.New(n.Router, hooks.Objects)
	n.Router.SetHandlers(router.Handlers{PathCache: n.Paths, RPC: n.Calls, Replication: n.Objects})
	return n
}

// Open creates the transport described by cfg: hubs listen, spokes dial.
func Open(ctx context.Context, cfg *config.Config) (transport.Peer, error) {
	rtcCfg := rtc.Config{ICEServers: cfg.ICEServers}

	switch cfg.Role {
	case config.RoleHub:
		switch cfg.Transport {
		case config.TransportWS:
			h, err := ws.Listen(cfg.Listen)
			if err != nil {
				return nil, err
			}
			return h, nil
		case config.TransportRTC:
			h, err := rtc.Listen(cfg.Listen, rtcCfg)
			if err != nil {
				return nil, err
			}
			return h, nil
		}

	case config.RoleSpoke:
		switch cfg.Transport {
		case config.TransportWS:
			s, err := ws.Dial(ctx, cfg.URL)
			if err != nil {
				return nil, err
			}
			return s, nil
		case config.TransportRTC:
			s, err := rtc.Dial(ctx, cfg.URL, rtcCfg)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	return nil, fmt.Errorf("app: unsupported %s over %s", cfg.Role, cfg.Transport)
}

// Start opens the configured transport and binds it to the router.
func (n *Node) Start(ctx context.Context) error {
	tr, err := Open(ctx, n.cfg)
	if err != nil {
		return err
	}
	if err := n.Router.SetTransport(tr); err != nil {
		_ = tr.Close()
		return err
	}
	return nil
}

// Addr returns the listening address of a hub, or nil.
func (n *Node) Addr() net.Addr {
	if a, ok := n.Router.Transport().(interface{ Addr() net.Addr }); ok {
		return a.Addr()
	}
	return nil
}

// Run polls the router every cfg.PollInterval and runs queued tasks between
// polls. It returns nil when ctx is cancelled and ErrSessionEnded once the
// transport is gone.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.done)

	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case f := <-n.tasks:
			f()

		case <-ticker.C:
			if err := n.Router.Poll(); err != nil {
				if errors.Is(err, router.ErrNotConfigured) {
					return ErrSessionEnded
				}
				util.LogWarning("poll failed: %v", err)
			}
		}
	}
}

// Exec queues f to run on the Run goroutine.
func (n *Node) Exec(ctx context.Context, f func()) error {
	select {
	case <-n.done:
		return ErrSessionEnded
	default:
	}
	select {
	case n.tasks <- f:
		return nil
	case <-n.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unbinds and closes the transport. Call it after Run has returned.
func (n *Node) Close() error {
	tr := n.Router.Transport()
	if tr == nil {
		return nil
	}
	if err := n.Router.SetTransport(nil); err != nil {
		return err
	}
	return tr.Close()
}
