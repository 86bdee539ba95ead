package main

import (
	"context"
	"fmt"

	"github.com/dj-oyu/sniper-watch/internal/alerts"
	"github.com/dj-oyu/sniper-watch/internal/broker"
	"github.com/dj-oyu/sniper-watch/internal/config"
	"github.com/dj-oyu/sniper-watch/internal/conn"
	"github.com/dj-oyu/sniper-watch/internal/events"
	"github.com/dj-oyu/sniper-watch/internal/kv"
	"github.com/dj-oyu/sniper-watch/internal/logger"
	"github.com/dj-oyu/sniper-watch/internal/metrics"
	"github.com/dj-oyu/sniper-watch/internal/session"
	"github.com/dj-oyu/sniper-watch/internal/settings"
	"github.com/dj-oyu/sniper-watch/internal/snapshots"
	"github.com/dj-oyu/sniper-watch/internal/transport"
	"github.com/dj-oyu/sniper-watch/internal/zones"
)

// app holds the persisted stores every command works on.
type app struct {
	cfg      config.Config
	kv       kv.Store
	zones    *zones.Store
	events   *events.Log
	settings *settings.Store
	closers  []func()
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	switch cfg.Store.Backend {
	case config.StoreDir:
		d, err := kv.NewDir(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		a.kv = d
	case config.StorePostgres:
		p, err := kv.OpenPostgres(ctx, cfg.Store.DSN, cfg.Store.Table)
		if err != nil {
			return nil, err
		}
		a.kv = p
		a.closers = append(a.closers, func() { p.Close() })
	default:
		a.kv = kv.NewMemory()
	}

	a.zones = zones.NewStore(ctx, a.kv, zones.DefaultKey, logger.For("Zones"))
	a.events = events.New(ctx, a.kv, events.DefaultKey, cfg.Session.EventCap, logger.For("Events"))
	a.settings = settings.NewStore(ctx, a.kv, settings.DefaultKey, logger.For("Settings"))
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// live is everything the monitor command runs.
type live struct {
	session *session.Session
	manager *conn.Manager
	alerts  *alerts.Hub
	metrics *metrics.Metrics
}

// openLive builds the connection manager and session. endpoint picks the
// primary transport; empty falls back to the saved setting.
func (a *app) openLive(ctx context.Context, endpoint string) (*live, error) {
	if endpoint == "" {
		endpoint = a.settings.Get().APIEndpoint
	}
	opts := a.cfg.TransportOptions()
	// With kind auto the endpoint scheme decides, so a changed endpoint may
	// need a different transport.
	transportFor := func(ep string) (conn.Transport, error) {
		return transport.New(a.cfg.Connection.Transport, ep, opts)
	}
	primary, err := transportFor(endpoint)
	if err != nil {
		return nil, err
	}

	mt := metrics.New()
	connOpts := []conn.Option{
		conn.WithLogger(logger.For("Conn")),
		conn.WithMetrics(mt),
	}
	if fb := a.cfg.Connection.FallbackEndpoint; fb != "" {
		fallback, err := transport.New(transport.KindAuto, fb, opts)
		if err != nil {
			return nil, fmt.Errorf("fallback transport: %w", err)
		}
		connOpts = append(connOpts, conn.WithFallback(fallback, fb))
	}
	manager := conn.New(a.cfg.Connection.Retry, primary, connOpts...)

	snaps, err := a.openSnapshots(ctx)
	if err != nil {
		manager.Close()
		return nil, err
	}

	hub := alerts.NewHub(a.cfg.Alerts.Keep)
	a.closers = append(a.closers, hub.Close)
	if sink, err := a.openAlertSink(); err != nil {
		logger.Warn("Main", "alert broker unavailable: %v", err)
	} else if sink != nil {
		hub.AddSink(sink)
	}

	s := session.New(a.cfg.SessionConfig(), session.Deps{
		Manager:   manager,
		Zones:     a.zones,
		Events:    a.events,
		Settings:  a.settings,
		Snapshots: snaps,
		Alerts:    hub,
		Metrics:   mt,
		Logger:    logger.For("Session"),

		Transports: transportFor,
	})
	// Session.Close also closes the manager.
	a.closers = append(a.closers, s.Close)
	return &live{session: s, manager: manager, alerts: hub, metrics: mt}, nil
}

func (a *app) openSnapshots(ctx context.Context) (snapshots.Store, error) {
	sc := a.cfg.Snapshots
	switch sc.Backend {
	case config.SnapshotsDisk:
		return snapshots.NewDisk(sc.Dir, sc.URLPrefix)
	case config.SnapshotsMinio:
		return snapshots.NewMinio(ctx, sc.Minio)
	}
	return snapshots.Inline{}, nil
}

func (a *app) openAlertSink() (alerts.Sink, error) {
	var b broker.Broker
	switch a.cfg.Alerts.Broker {
	case transport.KindMQTT:
		c, err := broker.DialMQTT(a.cfg.MQTT)
		if err != nil {
			return nil, err
		}
		b = c
	case transport.KindNATS:
		c, err := broker.DialNATS(a.cfg.NATS)
		if err != nil {
			return nil, err
		}
		b = c
	default:
		return nil, nil
	}
	a.closers = append(a.closers, b.Close)
	return alerts.BrokerSink{Broker: b, Topic: a.cfg.Alerts.Topic}, nil
}
