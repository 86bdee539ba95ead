package transport

import (
	"context"
	"fmt"

	"github.com/dj-oyu/sniper-watch/internal/broker"
	"github.com/dj-oyu/sniper-watch/internal/conn"
)

// subscribeBuffer is how many undelivered broker messages a stream holds
// before dropping.
const subscribeBuffer = 64

// MQTT subscribes to the topic named by the endpoint path,
// e.g. tcp://broker:1883/sniper/detections.
type MQTT struct {
	Config broker.MQTTConfig
}

func NewMQTT(cfg broker.MQTTConfig) *MQTT { return &MQTT{Config: cfg} }

func (m *MQTT) Name() string { return KindMQTT }

func (m *MQTT) Dial(ctx context.Context, endpoint string) (conn.Stream, error) {
	server, topic, err := broker.SplitURL(endpoint)
	if err != nil {
		return nil, err
	}
	cfg := m.Config
	cfg.Broker = server
	return subscribe(ctx, topic, func() (broker.Broker, error) {
		c, err := broker.DialMQTT(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// NATS subscribes to the subject named by the endpoint path,
// e.g. nats://nats:4222/sniper.detections.
type NATS struct {
	Config broker.NATSConfig
}

func NewNATS(cfg broker.NATSConfig) *NATS { return &NATS{Config: cfg} }

func (n *NATS) Name() string { return KindNATS }

func (n *NATS) Dial(ctx context.Context, endpoint string) (conn.Stream, error) {
	server, subject, err := broker.SplitURL(endpoint)
	if err != nil {
		return nil, err
	}
	cfg := n.Config
	cfg.URL = server
	return subscribe(ctx, subject, func() (broker.Broker, error) {
		c, err := broker.DialNATS(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// subscribe dials off the caller's goroutine so ctx can abandon a slow
// broker handshake.
func subscribe(ctx context.Context, topic string, dial func() (broker.Broker, error)) (conn.Stream, error) {
	type result struct {
		b   broker.Broker
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := dial()
		done <- result{b, err}
	}()

	var b broker.Broker
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		b = r.b
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.b.Close()
			}
		}()
		return nil, ctx.Err()
	}

	s := newChanStream(subscribeBuffer)
	unsubscribe, err := b.Subscribe(topic, func(_ string, payload []byte) {
		s.push(payload)
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.release = func() {
		unsubscribe()
		b.Close()
	}
	return s, nil
}
