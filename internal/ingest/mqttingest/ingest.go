// Package mqttingest bridges MQTT position beacons into the presence store.
// Each beacon id gets its own presence session and writer, so beacons get
// the same liveness guarantees as websocket users: throttling, fallback,
// and convergence to offline when the feed stops.
package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nearwave/nearwave/internal/presence/source"
	"github.com/nearwave/nearwave/internal/presence/store/memory"
	"github.com/nearwave/nearwave/internal/presence/writer"
)

const (
	defaultTopic     = "nearwave/position/+"
	defaultIdleTTL   = 60 * time.Second
	defaultSweepTick = 15 * time.Second

	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho's own unit
)

// Config defines the beacon ingest bridge inputs. The bridge is disabled
// when BrokerURL is empty.
type Config struct {
	BrokerURL string        `env:"NEARWAVE_MQTT_BROKER"`
	Topic     string        `env:"NEARWAVE_MQTT_TOPIC" envDefault:"nearwave/position/+"`
	ClientID  string        `env:"NEARWAVE_MQTT_CLIENT_ID" envDefault:"nearwave-ingest"`
	IdleTTL   time.Duration `env:"NEARWAVE_MQTT_IDLE_TTL" envDefault:"60s"`

	// Throttle and FallbackAfter are passed through to each beacon writer.
	Throttle      time.Duration
	FallbackAfter time.Duration
}

// beaconReading is the wire payload beacons publish.
type beaconReading struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  float64  `json:"accuracy"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	ErrorCode *int     `json:"error_code,omitempty"`
}

type beaconSession struct {
	push     *source.Push
	writer   *writer.Writer
	session  *memory.Session
	lastSeen time.Time
}

// Bridge subscribes to the beacon topic and maintains one presence session
// per beacon id.
type Bridge struct {
	cfg      Config
	presence *memory.Store
	client   mqtt.Client

	mu      sync.Mutex
	beacons map[string]*beaconSession
	clock   func() time.Time
}

// New creates a bridge over the given presence store. It does not connect;
// call Run.
func New(cfg Config, presence *memory.Store) (*Bridge, error) {
	if presence == nil {
		return nil, errors.New("presence store is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = defaultTopic
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = "nearwave-ingest"
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return &Bridge{
		cfg:      cfg,
		presence: presence,
		beacons:  make(map[string]*beaconSession),
		clock:    time.Now,
	}, nil
}

// Enabled reports whether a broker is configured.
func (b *Bridge) Enabled() bool {
	return b != nil && strings.TrimSpace(b.cfg.BrokerURL) != ""
}

// Run connects to the broker, subscribes, and reaps idle beacon sessions
// until ctx ends. It returns immediately when no broker is configured.
func (b *Bridge) Run(ctx context.Context) error {
	if b == nil {
		return errors.New("bridge is nil")
	}
	if !b.Enabled() {
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(fmt.Sprintf("%s-%d", b.cfg.ClientID, time.Now().UnixNano())).
		SetOrderMatters(false).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to broker %s: timeout", b.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker %s: %w", b.cfg.BrokerURL, err)
	}
	b.client = client
	log.Printf("ingest connected to broker %s topic=%s", b.cfg.BrokerURL, b.cfg.Topic)

	subToken := client.Subscribe(b.cfg.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
	subToken.Wait()
	if err := subToken.Error(); err != nil {
		client.Disconnect(disconnectQuiesce)
		return fmt.Errorf("subscribe %s: %w", b.cfg.Topic, err)
	}

	ticker := time.NewTicker(defaultSweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case <-ticker.C:
			b.reapIdle()
		}
	}
}

// handleMessage routes one beacon reading. The beacon id is the last topic
// segment.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	beaconID := beaconIDFromTopic(topic)
	if beaconID == "" {
		log.Printf("ingest dropped message with no beacon id topic=%q", topic)
		return
	}

	var reading beaconReading
	if err := json.Unmarshal(payload, &reading); err != nil {
		log.Printf("ingest dropped malformed reading beacon=%q err=%v", beaconID, err)
		return
	}

	session, err := b.sessionFor(beaconID)
	if err != nil {
		log.Printf("ingest session failed beacon=%q err=%v", beaconID, err)
		return
	}

	if reading.ErrorCode != nil {
		session.push.Fail(&source.SampleError{Code: *reading.ErrorCode})
		return
	}
	if reading.Lat < -90 || reading.Lat > 90 || reading.Lng < -180 || reading.Lng > 180 {
		log.Printf("ingest dropped out-of-range reading beacon=%q lat=%v lng=%v", beaconID, reading.Lat, reading.Lng)
		return
	}
	session.push.Offer(source.Position{
		Lat:      reading.Lat,
		Lng:      reading.Lng,
		Accuracy: reading.Accuracy,
		Heading:  reading.Heading,
		Speed:    reading.Speed,
		Time:     b.clock().UTC(),
	})
}

func (b *Bridge) sessionFor(beaconID string) (*beaconSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if session, ok := b.beacons[beaconID]; ok {
		session.lastSeen = b.clock()
		return session, nil
	}

	handle := b.presence.OpenSession()
	push := source.NewPush()
	agent, err := writer.New(writer.Config{
		UserID:         beaconID,
		Store:          handle,
		Source:         push,
		ThrottleWindow: b.cfg.Throttle,
		FallbackWait:   b.cfg.FallbackAfter,
		// A beacon that goes away should vanish from the map rather than
		// linger as a permanent offline row.
		DeleteOnClose: true,
	})
	if err != nil {
		handle.Close()
		return nil, err
	}
	if err := agent.Start(context.Background()); err != nil {
		handle.Close()
		return nil, err
	}

	session := &beaconSession{
		push:     push,
		writer:   agent,
		session:  handle,
		lastSeen: b.clock(),
	}
	b.beacons[beaconID] = session
	log.Printf("ingest opened beacon session beacon=%q", beaconID)
	return session, nil
}

// reapIdle closes beacon sessions that stopped publishing.
func (b *Bridge) reapIdle() {
	now := b.clock()

	b.mu.Lock()
	var expired []*beaconSession
	for beaconID, session := range b.beacons {
		if now.Sub(session.lastSeen) > b.cfg.IdleTTL {
			delete(b.beacons, beaconID)
			expired = append(expired, session)
			log.Printf("ingest reaped idle beacon beacon=%q", beaconID)
		}
	}
	b.mu.Unlock()

	for _, session := range expired {
		closeBeaconSession(session)
	}
}

func (b *Bridge) shutdown() {
	if b.client != nil {
		b.client.Unsubscribe(b.cfg.Topic).Wait()
		b.client.Disconnect(disconnectQuiesce)
		b.client = nil
	}

	b.mu.Lock()
	sessions := make([]*beaconSession, 0, len(b.beacons))
	for _, session := range b.beacons {
		sessions = append(sessions, session)
	}
	b.beacons = make(map[string]*beaconSession)
	b.mu.Unlock()

	for _, session := range sessions {
		closeBeaconSession(session)
	}
}

func closeBeaconSession(session *beaconSession) {
	session.push.Close()
	// The writer deletes the record on close; Discard keeps the session's
	// offline disconnect action from resurrecting it.
	session.writer.Close()
	session.session.Discard()
}

func beaconIDFromTopic(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return strings.TrimSpace(topic[idx+1:])
}
