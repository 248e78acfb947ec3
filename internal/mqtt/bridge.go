//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"home-energy/internal/aggregate"
	"home-energy/internal/device"
	"home-energy/internal/events"
	"home-energy/internal/live"
	"home-energy/internal/metrics"
	"home-energy/internal/report"
	"home-energy/internal/store"
	"home-energy/internal/topology"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string

	// PublishInterval is how often every hub's aggregate is recomputed and
	// published. Zero disables periodic publishing.
	PublishInterval time.Duration
	// Windows are the windows published and announced to HA.
	Windows []aggregate.Window
}

// DeviceStore is the subset of the store the bridge reads and writes.
type DeviceStore interface {
	SaveDevice(rec *device.Record) error
	UpdateDevice(deviceID string, fn func(rec *device.Record) error) error
	ListHubs() ([]*topology.Hub, error)
}

// Energy computes the aggregates the bridge publishes.
type Energy interface {
	ComputeHubEnergy(ctx context.Context, hubCode string, w aggregate.Window) (*aggregate.Aggregate, error)
	ComputeAdminEnergy(ctx context.Context, adminHubCode string, w aggregate.Window) (*aggregate.Aggregate, error)
}

// publisher is the part of the paho client used for outgoing messages.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// subscriber is the part used for incoming device states.
type subscriber interface {
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithEnergy enables periodic publishing of hub and building aggregates.
func WithEnergy(e Energy) Option {
	return func(b *Bridge) { b.energy = e }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge feeds device state from MQTT into the store and publishes computed
// aggregates back with HA autodiscovery.
type Bridge struct {
	client  pahomqtt.Client
	pub     publisher
	store   DeviceStore
	energy  Energy
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     Config
	prefix  string
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newBridge(st DeviceStore, bus *events.Bus, cfg Config, logger *slog.Logger, opts ...Option) *Bridge {
	if len(cfg.Windows) == 0 {
		cfg.Windows = []aggregate.Window{aggregate.DefaultWindow}
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		store:  st,
		bus:    bus,
		cfg:    cfg,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(st DeviceStore, bus *events.Bus, cfg Config, logger *slog.Logger, opts ...Option) (*Bridge, error) {
	b := newBridge(st, bus, cfg, logger, opts...)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "home-energy"
	}
	mopts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) { b.onConnect(c) }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		mopts.SetUsername(cfg.Username)
		mopts.SetPassword(cfg.Password)
	}

	// paho runs the on-connect handler before Connect's token completes,
	// so the client must be in place first.
	client := pahomqtt.NewClient(mopts)
	b.client, b.pub = client, client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return b, nil
}

// Start subscribes to computed aggregates and, with WithEnergy, starts one
// publishing poller per hub and window.
func (b *Bridge) Start() {
	b.unsub = b.bus.On(events.EventEnergyAggregate, b.handleAggregate)

	if b.energy != nil && b.cfg.PublishInterval > 0 {
		hubs, err := b.store.ListHubs()
		if err != nil {
			b.logger.Error("list hubs for publishing", "err", err)
		}
		for _, hub := range hubs {
			for _, w := range b.cfg.Windows {
				b.startPoller(hub, w)
			}
		}
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "windows", b.cfg.Windows)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

// startPoller recomputes the hub's aggregate on the publish interval. The
// engine announces every result on the bus, where handleAggregate picks
// it up.
func (b *Bridge) startPoller(hub *topology.Hub, w aggregate.Window) {
	hubCode := hub.HubCode
	compute := func(ctx context.Context) (*aggregate.Aggregate, error) {
		return b.energy.ComputeHubEnergy(ctx, hubCode, w)
	}
	if hub.HomeType == topology.HomeAdmin {
		compute = func(ctx context.Context) (*aggregate.Aggregate, error) {
			return b.energy.ComputeAdminEnergy(ctx, hubCode, w)
		}
	}
	p := live.NewPoller(compute, nil,
		live.WithInterval(b.cfg.PublishInterval),
		live.WithLogger(b.logger.With("hub", hubCode, "window", w)),
		live.WithMetrics(b.metrics),
	)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		p.Run(b.ctx)
	}()
}

// energyPayload is the retained message published per aggregate.
type energyPayload struct {
	HubCode    string           `json:"hubCode"`
	RoomID     string           `json:"roomId,omitempty"`
	Name       string           `json:"name"`
	Level      aggregate.Level  `json:"level"`
	Window     aggregate.Window `json:"window"`
	Period     string           `json:"period"`
	Total      float64          `json:"total"`
	Unit       string           `json:"unit"`
	Groups     []report.Row     `json:"groups"`
	Missing    []string         `json:"missing,omitempty"`
	ComputedAt time.Time        `json:"computedAt"`
}

func newEnergyPayload(agg *aggregate.Aggregate) energyPayload {
	return energyPayload{
		HubCode:    agg.HubCode,
		RoomID:     agg.RoomID,
		Name:       agg.Name,
		Level:      agg.Level,
		Window:     agg.Window,
		Period:     agg.Period,
		Total:      agg.TotalEnergy,
		Unit:       agg.Unit,
		Groups:     report.ToRows(agg),
		Missing:    agg.Missing,
		ComputedAt: agg.ComputedAt,
	}
}

func (b *Bridge) handleAggregate(event events.Event) {
	agg, ok := event.Data.(*aggregate.Aggregate)
	if !ok {
		return
	}
	if !slices.Contains(b.cfg.Windows, agg.Window) {
		return
	}
	b.publish(energyTopic(b.prefix, agg), mustJSON(newEnergyPayload(agg)), true)
}

// statePayload is a device state update. Absent fields keep their stored
// value; a null attribute removes it.
type statePayload struct {
	DeviceName *string        `json:"deviceName"`
	DeviceType *string        `json:"deviceType"`
	On         *bool          `json:"on"`
	State      *string        `json:"state"` // "ON"/"OFF", as HA sends it
	Attributes map[string]any `json:"attributes"`
}

func (p *statePayload) apply(rec *device.Record) {
	if p.DeviceName != nil {
		rec.DeviceName = *p.DeviceName
	}
	if p.DeviceType != nil {
		t, _ := device.ParseType(*p.DeviceType)
		rec.DeviceType = t
	}
	if p.State != nil {
		switch strings.ToUpper(*p.State) {
		case "ON":
			rec.On = true
		case "OFF":
			rec.On = false
		}
	}
	if p.On != nil {
		rec.On = *p.On
	}
	for k, v := range p.Attributes {
		if v == nil {
			delete(rec.Attributes, k)
			continue
		}
		if rec.Attributes == nil {
			rec.Attributes = make(map[string]any)
		}
		rec.Attributes[k] = v
	}
}

// parseStateTopic extracts hub and device from <prefix>/<hub>/<device>/state.
func parseStateTopic(prefix, topic string) (hubCode, deviceID string, ok bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "state" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (b *Bridge) onConnect(c subscriber) {
	b.logger.Info("MQTT connected")
	b.publishBridgeState("online")
	b.publishAllDiscovery()
	b.subscribeStates(c)
}

func (b *Bridge) subscribeStates(c subscriber) {
	topic := b.prefix + "/+/+/state"
	token := c.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		hubCode, deviceID, ok := parseStateTopic(b.prefix, msg.Topic())
		if !ok {
			return
		}
		if err := b.ingest(hubCode, deviceID, msg.Payload()); err != nil {
			b.logger.Warn("device state rejected", "hub", hubCode, "device", deviceID, "err", err)
		}
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

// ingest applies a state update to the stored record, creating it when the
// update names a device type, and announces the new state.
func (b *Bridge) ingest(hubCode, deviceID string, payload []byte) (err error) {
	defer func() { b.metrics.MQTTMessage("in", err == nil) }()

	var p statePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid state JSON: %w", err)
	}

	var updated device.Record
	err = b.store.UpdateDevice(deviceID, func(rec *device.Record) error {
		rec.HubCode = hubCode
		p.apply(rec)
		updated = *rec
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		if p.DeviceType == nil {
			return fmt.Errorf("unknown device %s and no deviceType to create it", deviceID)
		}
		updated = device.Record{DeviceID: deviceID, HubCode: hubCode}
		p.apply(&updated)
		err = b.store.SaveDevice(&updated)
	}
	if err != nil {
		return fmt.Errorf("store device %s: %w", deviceID, err)
	}

	b.bus.Emit(events.Event{Type: events.EventDeviceState, HubCode: hubCode, Data: &updated})
	return nil
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

// publishAllDiscovery announces the configured windows for every hub and
// withdraws the others.
func (b *Bridge) publishAllDiscovery() {
	hubs, err := b.store.ListHubs()
	if err != nil {
		b.logger.Error("list hubs for discovery", "err", err)
		return
	}
	var unused []aggregate.Window
	for _, w := range aggregate.Windows {
		if !slices.Contains(b.cfg.Windows, w) {
			unused = append(unused, w)
		}
	}
	for _, hub := range hubs {
		msgs := append(buildDiscovery(hub, b.prefix, b.cfg.Windows), buildRemoveDiscovery(hub.HubCode, unused)...)
		for _, msg := range msgs {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "hub", hub.HubCode, "name", hub.DisplayName())
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.pub == nil {
		return
	}
	token := b.pub.Publish(topic, 1, retained, payload)
	go func() {
		ok := token.WaitTimeout(5 * time.Second)
		switch {
		case !ok:
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		case token.Error() != nil:
			b.logger.Warn("MQTT publish error", "topic", topic, "err", token.Error())
		}
		b.metrics.MQTTMessage("out", ok && token.Error() == nil)
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
