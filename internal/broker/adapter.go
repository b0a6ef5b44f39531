// Package broker implements the Broker Adapter: one logical
// subscription session per broker client, with auto-reconnect and desired
// topic re-subscription on every CONNECTED transition.
//
// The adapter owns a single paho.mqtt.golang client behind a mutex and
// recreates it from its own reconnect loop rather than delegating to the
// library's internal one (paho's AutoReconnect is disabled so that topic
// re-subscription and the keep-alive rule stay under the adapter's
// explicit control).
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chainflow/streamd/internal/errs"
	"github.com/chainflow/streamd/internal/registry"
)

// KeepAliveTopic is the fixed topic a broker client with no source-side
// topics subscribes to, to keep its connection alive for target-only use.
const KeepAliveTopic = "$SYS/keepalive"

// MessageHandler receives one inbound delivery. It must not block the
// adapter's receive loop; the adapter invokes it on its own goroutine.
type MessageHandler func(ctx context.Context, clientID, topic string, payload []byte)

// Config describes one broker client descriptor.
type Config struct {
	ClientID string
	Server   string
	Port     int
	Username string
	Password string
}

// Adapter is one broker.Client's supervised session.
type Adapter struct {
	cfg               Config
	logger            *slog.Logger
	reconnectInterval time.Duration

	mu              sync.Mutex
	state           registry.State
	desiredTopics   map[string]bool
	mqttClient      mqtt.Client
	handler         MessageHandler

	cancel context.CancelFunc
	done   chan struct{}

	// connectFn is overridden by tests to avoid dialing a real broker.
	connectFn func(ctx context.Context) (mqtt.Client, error)
}

// New constructs an Adapter. The underlying connection is not established
// until Run is called.
func New(cfg Config, logger *slog.Logger, reconnectInterval time.Duration) *Adapter {
	a := &Adapter{
		cfg:               cfg,
		logger:            logger,
		reconnectInterval: reconnectInterval,
		state:             registry.StateConnecting,
		desiredTopics:     make(map[string]bool),
		done:              make(chan struct{}),
	}
	a.connectFn = a.connect
	return a
}

func (a *Adapter) ID() string           { return a.cfg.ClientID }
func (a *Adapter) Kind() registry.Kind  { return registry.KindBroker }
func (a *Adapter) State() registry.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// OnMessage installs the handler the adapter invokes per inbound delivery.
func (a *Adapter) OnMessage(h MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Subscribe joins topics to the session's desired set. The effective
// subscription is re-established on every (re)connect, so Subscribe is
// safe to call before Run, or at any point afterwards.
func (a *Adapter) Subscribe(topics ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range topics {
		a.desiredTopics[t] = true
	}
	if a.mqttClient != nil && a.mqttClient.IsConnected() {
		a.subscribeAllLocked()
	}
}

// subscribeAllLocked re-subscribes the full desired topic set; called with
// a.mu held, right after a CONNECTED transition.
func (a *Adapter) subscribeAllLocked() {
	topics := a.desiredTopics
	if len(topics) == 0 {
		topics = map[string]bool{KeepAliveTopic: true}
	}
	for topic := range topics {
		topic := topic
		token := a.mqttClient.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			a.deliver(topic, msg.Payload())
		})
		go func() {
			if token.WaitTimeout(10 * time.Second); token.Error() != nil {
				a.logger.Error("subscribe failed", "client_id", a.cfg.ClientID, "topic", topic, "error", token.Error())
			}
		}()
	}
}

func (a *Adapter) deliver(topic string, payload []byte) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	go handler(context.Background(), a.cfg.ClientID, topic, payload)
}

// Publish delivers payload on topic, blocking until the underlying library
// accepts it or the connection is not available.
func (a *Adapter) Publish(topic string, payload []byte) error {
	a.mu.Lock()
	client := a.mqttClient
	a.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("broker %q: publish while disconnected: %w", a.cfg.ClientID, errs.ErrTransport)
	}
	token := client.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker %q: publish to %q: %w", a.cfg.ClientID, topic, err)
	}
	return nil
}

// Run drives the connect → subscribe → wait-for-disconnect → reconnect
// state machine until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	defer close(a.done)

	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		a.setState(registry.StateConnecting)
		client, err := a.connectFn(runCtx)
		if err != nil {
			a.logger.Error("broker connect failed", "client_id", a.cfg.ClientID, "error", err)
			a.setState(registry.StateDisconnected)
			if !sleepOrDone(runCtx, a.reconnectInterval) {
				return
			}
			continue
		}

		a.mu.Lock()
		a.mqttClient = client
		a.state = registry.StateConnected
		a.subscribeAllLocked()
		a.mu.Unlock()

		a.logger.Info("broker connected", "client_id", a.cfg.ClientID)

		<-waitDisconnected(runCtx, client)
		a.setState(registry.StateDisconnected)
		a.logger.Warn("broker disconnected, reconnecting", "client_id", a.cfg.ClientID, "interval", a.reconnectInterval)

		if !sleepOrDone(runCtx, a.reconnectInterval) {
			return
		}
	}
}

func (a *Adapter) connect(ctx context.Context) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", a.cfg.Server, a.cfg.Port)).
		SetClientID(a.cfg.ClientID).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to %s:%d", a.cfg.Server, a.cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

func waitDisconnected(ctx context.Context, client mqtt.Client) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !client.IsConnected() {
					return
				}
			}
		}
	}()
	return done
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (a *Adapter) setState(s registry.State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Close cancels the session and disconnects, satisfying registry.Client.
func (a *Adapter) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	client := a.mqttClient
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	<-a.done
	return nil
}
