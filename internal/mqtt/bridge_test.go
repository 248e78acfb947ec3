//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"home-energy/internal/aggregate"
	"home-energy/internal/device"
	"home-energy/internal/events"
	"home-energy/internal/store"
	"home-energy/internal/topology"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// recorder captures outgoing messages in place of a broker connection.
type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, _ := payload.([]byte)
	r.msgs = append(r.msgs, published{topic: topic, retained: retained, payload: p})
	return doneToken{}
}

func (r *recorder) byTopic() map[string]published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]published, len(r.msgs))
	for _, m := range r.msgs {
		out[m.topic] = m
	}
	return out
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *store.BoltStore, *events.Bus, *recorder) {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "home"
	}
	bus := events.NewBus(testLogger())
	b := newBridge(db, bus, cfg, testLogger())
	rec := &recorder{}
	b.pub = rec
	return b, db, bus, rec
}

func TestParseStateTopic(t *testing.T) {
	tests := []struct {
		topic   string
		hub, id string
		ok      bool
	}{
		{"home/H1/ac-1/state", "H1", "ac-1", true},
		{"home/H1/energy/monthly", "", "", false},
		{"home/H1/ac-1/set", "", "", false},
		{"other/H1/ac-1/state", "", "", false},
		{"home/H1/state", "", "", false},
		{"home//ac-1/state", "", "", false},
		{"home/H1/ac-1/state/extra", "", "", false},
	}
	for _, tt := range tests {
		hub, id, ok := parseStateTopic("home", tt.topic)
		if hub != tt.hub || id != tt.id || ok != tt.ok {
			t.Errorf("parseStateTopic(%q) = %q, %q, %v", tt.topic, hub, id, ok)
		}
	}
}

func TestStatePayloadApply(t *testing.T) {
	rec := device.Record{
		DeviceID: "ac-1", DeviceType: device.TypeAC,
		Attributes: map[string]any{"temp": 20.0, "windMode": "cool"},
	}
	var p statePayload
	if err := json.Unmarshal([]byte(`{"state":"on","attributes":{"temp":18,"windMode":null,"autoMode":"eco"}}`), &p); err != nil {
		t.Fatal(err)
	}
	p.apply(&rec)

	if !rec.On {
		t.Error("state ON not applied")
	}
	if rec.Attributes["temp"] != 18.0 || rec.Attributes["autoMode"] != "eco" {
		t.Errorf("attributes = %v", rec.Attributes)
	}
	if _, ok := rec.Attributes["windMode"]; ok {
		t.Error("null attribute should be removed")
	}
	if rec.DeviceType != device.TypeAC {
		t.Errorf("type changed to %q", rec.DeviceType)
	}

	// An explicit "on" wins over "state".
	p = statePayload{}
	json.Unmarshal([]byte(`{"state":"ON","on":false,"deviceType":"TV"}`), &p)
	p.apply(&rec)
	if rec.On || rec.DeviceType != device.TypeTV {
		t.Errorf("record = %+v", rec)
	}
}

func TestIngestUpdatesExistingDevice(t *testing.T) {
	b, db, bus, _ := newTestBridge(t, Config{})
	if err := db.SaveDevice(&device.Record{DeviceID: "fan-1", DeviceType: device.TypeFan, HubCode: "H"}); err != nil {
		t.Fatal(err)
	}

	var got []events.Event
	bus.On(events.EventDeviceState, func(e events.Event) { got = append(got, e) })

	if err := b.ingest("H", "fan-1", []byte(`{"on":true,"attributes":{"rpm":900}}`)); err != nil {
		t.Fatal(err)
	}

	rec, err := db.GetDevice("fan-1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.On || rec.Attributes["rpm"] != 900.0 || rec.DeviceType != device.TypeFan {
		t.Errorf("stored = %+v", rec)
	}
	if len(got) != 1 || got[0].HubCode != "H" {
		t.Fatalf("events = %+v", got)
	}
	if ev, ok := got[0].Data.(*device.Record); !ok || ev.DeviceID != "fan-1" || !ev.On {
		t.Errorf("event data = %+v", got[0].Data)
	}
}

func TestIngestCreatesTypedDevice(t *testing.T) {
	b, db, _, _ := newTestBridge(t, Config{})

	if err := b.ingest("H", "tv-1", []byte(`{"deviceType":"tv","deviceName":"Den TV","on":true}`)); err != nil {
		t.Fatal(err)
	}
	rec, err := db.GetDevice("tv-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.HubCode != "H" || rec.DeviceType != device.TypeTV || rec.DisplayName() != "Den TV" {
		t.Errorf("stored = %+v", rec)
	}
}

func TestIngestRejects(t *testing.T) {
	b, db, _, _ := newTestBridge(t, Config{})

	if err := b.ingest("H", "ghost", []byte(`{"on":true}`)); err == nil {
		t.Error("expected error for unknown device without type")
	}
	if _, err := db.GetDevice("ghost"); err == nil {
		t.Error("unknown device should not be created")
	}
	if err := b.ingest("H", "x", []byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestHandleAggregatePublishesRetained(t *testing.T) {
	b, _, bus, rec := newTestBridge(t, Config{Windows: []aggregate.Window{aggregate.Monthly}})
	b.Start()
	defer b.Stop()

	agg := &aggregate.Aggregate{
		HubCode: "H1", Name: "Flat 1", Level: aggregate.LevelHub, Window: aggregate.Monthly,
		Period: "Month 03, 2025", TotalEnergy: 102.622, Unit: "kWh",
		Groups: []aggregate.Group{
			{Name: "RoomX", Key: "rx", Energy: 2.592, DeviceCount: 2},
			{Name: "Unassigned", Key: "unassigned", Energy: 100.03, DeviceCount: 1},
		},
	}
	bus.Emit(events.Event{Type: events.EventEnergyAggregate, HubCode: "H1", Data: agg})
	// Windows that are not configured are not published.
	bus.Emit(events.Event{Type: events.EventEnergyAggregate, HubCode: "H1",
		Data: &aggregate.Aggregate{HubCode: "H1", Level: aggregate.LevelHub, Window: aggregate.Daily}})

	msgs := rec.byTopic()
	m, ok := msgs["home/h1/energy/monthly"]
	if !ok {
		t.Fatalf("topics = %v", msgs)
	}
	if !m.retained {
		t.Error("aggregate should be retained")
	}
	if _, ok := msgs["home/h1/energy/daily"]; ok {
		t.Error("daily aggregate published though not configured")
	}

	var payload energyPayload
	if err := json.Unmarshal(m.payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Total != 102.622 || payload.Period != "Month 03, 2025" {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.Groups) != 2 || payload.Groups[0].Name != "Unassigned" {
		t.Errorf("groups = %+v", payload.Groups)
	}
}

func TestEnergyTopic(t *testing.T) {
	room := &aggregate.Aggregate{HubCode: "H1", RoomID: "Living Room", Level: aggregate.LevelRoom, Window: aggregate.Weekly}
	if got := energyTopic("home", room); got != "home/h1/rooms/living_room/energy/weekly" {
		t.Errorf("room topic = %q", got)
	}
	admin := &aggregate.Aggregate{HubCode: "B/1", Level: aggregate.LevelAdmin, Window: aggregate.Yearly}
	if got := energyTopic("home", admin); got != "home/b_1/energy/yearly" {
		t.Errorf("admin topic = %q", got)
	}
}

func TestDiscoveryEnergySensor(t *testing.T) {
	hub := &topology.Hub{HubCode: "H1", Name: "Flat 1", HomeType: topology.HomeTenant}
	msgs := buildDiscovery(hub, "home", []aggregate.Window{aggregate.Monthly, aggregate.Daily})
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Topic != "homeassistant/sensor/home_energy_h1/energy_monthly/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}

	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "Flat 1 Energy Monthly" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "home_energy_h1_energy_monthly" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "home/h1/energy/monthly" || payload.AvailabilityTopic != "home/bridge/state" {
		t.Errorf("topics = %q, %q", payload.StateTopic, payload.AvailabilityTopic)
	}
	if payload.UnitOfMeasurement != "kWh" || payload.DeviceClass != "energy" {
		t.Errorf("unit = %q, class = %q", payload.UnitOfMeasurement, payload.DeviceClass)
	}
	if payload.Device.Model != "Dwelling" {
		t.Errorf("device.model = %q", payload.Device.Model)
	}

	admin := &topology.Hub{HubCode: "B", HomeType: topology.HomeAdmin}
	json.Unmarshal(buildDiscovery(admin, "home", []aggregate.Window{aggregate.Monthly})[0].Payload, &payload)
	if payload.Device.Model != "Building" || payload.Device.Name != "B" {
		t.Errorf("admin device = %+v", payload.Device)
	}
}

func TestPublishAllDiscovery(t *testing.T) {
	b, db, _, rec := newTestBridge(t, Config{Windows: []aggregate.Window{aggregate.Monthly}})
	if err := db.SaveHub(&topology.Hub{HubCode: "H1", HomeType: topology.HomeTenant}); err != nil {
		t.Fatal(err)
	}

	b.publishAllDiscovery()
	msgs := rec.byTopic()

	if m := msgs["homeassistant/sensor/home_energy_h1/energy_monthly/config"]; len(m.payload) == 0 {
		t.Error("monthly sensor not announced")
	}
	for _, w := range []aggregate.Window{aggregate.Daily, aggregate.Weekly, aggregate.Yearly} {
		m, ok := msgs["homeassistant/sensor/home_energy_h1/energy_"+string(w)+"/config"]
		if !ok || m.payload != nil || !m.retained {
			t.Errorf("%s sensor not withdrawn: %+v", w, m)
		}
	}
}

type subscriptions struct {
	topics []string
}

func (s *subscriptions) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	s.topics = append(s.topics, topic)
	return doneToken{}
}

func TestOnConnectAnnouncesBridge(t *testing.T) {
	b, db, _, rec := newTestBridge(t, Config{})
	if err := db.SaveHub(&topology.Hub{HubCode: "H1", HomeType: topology.HomeTenant}); err != nil {
		t.Fatal(err)
	}
	subs := &subscriptions{}

	b.onConnect(subs)
	msgs := rec.byTopic()

	if m := msgs["home/bridge/state"]; string(m.payload) != "online" || !m.retained {
		t.Errorf("bridge state = %+v, want retained online", m)
	}
	if m := msgs["homeassistant/sensor/home_energy_h1/energy_monthly/config"]; len(m.payload) == 0 {
		t.Error("discovery not published on connect")
	}
	if len(subs.topics) != 1 || subs.topics[0] != "home/+/+/state" {
		t.Errorf("subscriptions = %v", subs.topics)
	}
}

func TestTopicSegment(t *testing.T) {
	tests := map[string]string{
		"Kitchen Light": "kitchen_light",
		"H-1_a":         "h-1_a",
		"a/b+#":         "a_b__",
	}
	for in, want := range tests {
		if got := topicSegment(in); got != want {
			t.Errorf("topicSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
	if string(mustJSON(func() {})) != "{}" {
		t.Error("unencodable value should yield {}")
	}
}
