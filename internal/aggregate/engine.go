package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"home-energy/internal/device"
	"home-energy/internal/energy"
	"home-energy/internal/events"
	"home-energy/internal/metrics"
	"home-energy/internal/store"
	"home-energy/internal/topology"
)

// HistoryWriter persists hub-level computations.
type HistoryWriter interface {
	SaveSnapshot(s *store.Snapshot) error
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEvents publishes computed aggregates and warnings on bus.
func WithEvents(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPeriods replaces the default UTC calendar.
func WithPeriods(p PeriodResolver) Option {
	return func(e *Engine) { e.periods = p }
}

// WithHistory saves a snapshot after every hub-level computation.
func WithHistory(h HistoryWriter) Option {
	return func(e *Engine) { e.history = h }
}

// WithTimeout bounds a single computation, including all its reads.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithFanOut limits concurrent unit reads for admin aggregates.
func WithFanOut(n int) Option {
	return func(e *Engine) { e.fanOut = n }
}

func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine computes energy aggregates. Concurrent requests for the same
// (level, hub, room, window) share one in-flight computation.
type Engine struct {
	resolver topology.Resolver
	model    *energy.Model
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *metrics.Metrics
	periods  PeriodResolver
	history  HistoryWriter
	timeout  time.Duration
	fanOut   int
	now      func() time.Time

	flight singleflight.Group
}

// NewEngine creates an engine reading from resolver and estimating with model.
func NewEngine(resolver topology.Resolver, model *energy.Model, opts ...Option) *Engine {
	e := &Engine{
		resolver: resolver,
		model:    model,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		periods:  Calendar{},
		timeout:  30 * time.Second,
		fanOut:   8,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "aggregate")
	return e
}

// ComputeHubEnergy aggregates a tenant hub by room. Devices in no room are
// grouped under "Unassigned".
func (e *Engine) ComputeHubEnergy(ctx context.Context, hubCode string, w Window) (*Aggregate, error) {
	return e.do(ctx, LevelHub, flightKey(LevelHub, hubCode, "", w), func(ctx context.Context) (*Aggregate, error) {
		return e.hub(ctx, hubCode, w)
	})
}

// ComputeAdminEnergy aggregates an admin hub by tenant unit. Units the
// resolver does not know, or cannot read, are skipped and listed in Missing.
func (e *Engine) ComputeAdminEnergy(ctx context.Context, adminHubCode string, w Window) (*Aggregate, error) {
	return e.do(ctx, LevelAdmin, flightKey(LevelAdmin, adminHubCode, "", w), func(ctx context.Context) (*Aggregate, error) {
		return e.admin(ctx, adminHubCode, w)
	})
}

// ComputeRoomEnergy aggregates one room of a tenant hub by device.
func (e *Engine) ComputeRoomEnergy(ctx context.Context, hubCode, roomID string, w Window) (*Aggregate, error) {
	return e.do(ctx, LevelRoom, flightKey(LevelRoom, hubCode, roomID, w), func(ctx context.Context) (*Aggregate, error) {
		return e.room(ctx, hubCode, roomID, w)
	})
}

func flightKey(level Level, hubCode, roomID string, w Window) string {
	return string(level) + "\x00" + hubCode + "\x00" + roomID + "\x00" + string(w)
}

// do runs fn once per key among concurrent callers. The computation is
// detached from any single caller's cancellation and bounded by the engine
// timeout; each caller still returns early when its own ctx is done.
func (e *Engine) do(ctx context.Context, level Level, key string, fn func(context.Context) (*Aggregate, error)) (*Aggregate, error) {
	ch := e.flight.DoChan(key, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()

		start := time.Now()
		agg, err := fn(cctx)
		e.metrics.Computation(string(level), time.Since(start), errKind(err))
		if err != nil {
			e.logger.Debug("aggregate failed", "level", level, "err", err)
			return nil, err
		}
		e.publish(agg)
		return agg, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			e.metrics.Coalesced()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Aggregate), nil
	}
}

func (e *Engine) publish(agg *Aggregate) {
	for _, w := range agg.Warnings {
		e.logger.Warn("partial data", "kind", w.Kind, "hub", w.Hub, "room", w.Room, "device", w.Device, "detail", w.Detail)
		e.metrics.Warning(string(w.Kind))
		e.bus.Emit(events.Event{Type: events.EventPartialData, HubCode: agg.HubCode, Data: w})
	}
	if agg.Level != LevelRoom {
		e.metrics.HubEnergy(agg.HubCode, string(agg.Window), agg.TotalEnergy)
	}
	e.bus.Emit(events.Event{Type: events.EventEnergyAggregate, HubCode: agg.HubCode, Data: agg})
}

// hubData is every read one hub aggregate depends on, taken before any
// aggregation starts.
type hubData struct {
	hub     *topology.Hub
	devices []device.Record
	rooms   []topology.Room
}

func (e *Engine) fetchHub(ctx context.Context, hubCode string) (*hubData, error) {
	var d hubData
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub, err := e.resolver.Hub(gctx, hubCode)
		d.hub = hub
		return classify("hub", hubCode, err)
	})
	g.Go(func() error {
		devices, err := e.resolver.DevicesOf(gctx, hubCode)
		d.devices = devices
		return classify("devices", hubCode, err)
	})
	g.Go(func() error {
		rooms, err := e.resolver.RoomsOf(gctx, hubCode)
		d.rooms = rooms
		return classify("rooms", hubCode, err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &d, nil
}

// roomMembers is a room with the devices it actually contributes.
type roomMembers struct {
	room topology.Room
	ids  []string
}

// partition is a hub's devices estimated once and split between rooms.
type partition struct {
	hubCode    string
	order      []string
	records    map[string]device.Record
	energy     map[string]float64
	rooms      []roomMembers
	unassigned []string
	warnings   []Warning
}

func (p *partition) warn(w Warning) {
	w.Hub = p.hubCode
	p.warnings = append(p.warnings, w)
}

func (e *Engine) partition(hubCode string, d *hubData) *partition {
	p := &partition{
		hubCode: hubCode,
		records: make(map[string]device.Record, len(d.devices)),
		energy:  make(map[string]float64, len(d.devices)),
	}
	for _, rec := range d.devices {
		if _, dup := p.records[rec.DeviceID]; dup {
			p.warn(Warning{Kind: WarnDuplicateDevice, Device: rec.DeviceID, Detail: "device listed twice, later copy ignored"})
			continue
		}
		p.records[rec.DeviceID] = rec
		p.order = append(p.order, rec.DeviceID)
		p.energy[rec.DeviceID] = e.estimate(p, rec)
	}

	assigned := make(map[string]string, len(p.order))
	for _, room := range d.rooms {
		rm := roomMembers{room: room}
		for _, id := range room.DeviceIDs {
			if _, ok := p.records[id]; !ok {
				p.warn(Warning{Kind: WarnDanglingDevice, Room: room.RoomID, Device: id, Detail: "room references a device the hub does not have"})
				continue
			}
			if other, dup := assigned[id]; dup {
				p.warn(Warning{Kind: WarnDuplicateMembership, Room: room.RoomID, Device: id, Detail: "already counted in room " + other})
				continue
			}
			assigned[id] = room.RoomID
			rm.ids = append(rm.ids, id)
		}
		p.rooms = append(p.rooms, rm)
	}
	for _, id := range p.order {
		if _, ok := assigned[id]; !ok {
			p.unassigned = append(p.unassigned, id)
		}
	}
	return p
}

// estimate decodes and estimates one device, recording data-quality
// problems as warnings. It never fails.
func (e *Engine) estimate(p *partition, rec device.Record) float64 {
	st, issues := device.Decode(rec)
	for _, is := range issues {
		p.warn(Warning{Kind: WarnInvalidAttribute, Device: rec.DeviceID, Detail: is.String()})
	}
	v, err := e.model.Estimate(st)
	if err != nil {
		kind := WarnOutOfRange
		if errors.Is(err, energy.ErrUnmodeled) {
			kind = WarnUnmodeled
		}
		p.warn(Warning{Kind: kind, Device: rec.DeviceID, Detail: err.Error()})
	}
	return v
}

func (p *partition) sum(ids []string) float64 {
	var total float64
	for _, id := range ids {
		total += p.energy[id]
	}
	return total
}

func (e *Engine) newAggregate(level Level, hubCode, name string, w Window) *Aggregate {
	now := e.now()
	return &Aggregate{
		HubCode:    hubCode,
		Name:       name,
		Level:      level,
		Window:     w,
		Period:     e.periods.Label(w, now),
		Unit:       Unit,
		Groups:     []Group{},
		ComputedAt: now,
	}
}

func (e *Engine) hub(ctx context.Context, hubCode string, w Window) (*Aggregate, error) {
	d, err := e.fetchHub(ctx, hubCode)
	if err != nil {
		return nil, err
	}
	p := e.partition(hubCode, d)
	agg := e.buildHub(d.hub, p, w)

	if e.history != nil {
		snap := &store.Snapshot{
			HubCode:         hubCode,
			Window:          string(w),
			TakenAt:         agg.ComputedAt,
			TotalEnergy:     agg.TotalEnergy,
			Unit:            agg.Unit,
			DeviceBreakdown: p.energy,
		}
		if err := e.history.SaveSnapshot(snap); err != nil {
			e.logger.Warn("save energy snapshot failed", "hub", hubCode, "err", err)
		}
	}
	return agg, nil
}

func (e *Engine) buildHub(hub *topology.Hub, p *partition, w Window) *Aggregate {
	agg := e.newAggregate(LevelHub, hub.HubCode, hub.DisplayName(), w)
	for _, rm := range p.rooms {
		name := rm.room.RoomName
		if name == "" {
			name = rm.room.RoomID
		}
		agg.Groups = append(agg.Groups, Group{
			Name:        name,
			Key:         rm.room.RoomID,
			Energy:      p.sum(rm.ids),
			DeviceCount: len(rm.ids),
		})
	}
	if len(p.unassigned) > 0 {
		agg.Groups = append(agg.Groups, Group{
			Name:        UnassignedGroup,
			Key:         UnassignedGroup,
			Energy:      p.sum(p.unassigned),
			DeviceCount: len(p.unassigned),
		})
	}
	e.finish(agg)
	agg.Warnings = p.warnings

	if independent := p.sum(p.order); !reconciles(agg.TotalEnergy, independent) {
		e.logger.Error("hub total does not reconcile with device sum", "hub", hub.HubCode, "total", agg.TotalEnergy, "devices", independent)
	}
	return agg
}

// finish sorts the groups and sets the total to their sum.
func (e *Engine) finish(agg *Aggregate) {
	SortGroups(agg.Groups)
	var total float64
	for _, g := range agg.Groups {
		total += g.Energy
	}
	agg.TotalEnergy = total
}

// reconciles compares two sums of the same terms taken in different orders.
func reconciles(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func (e *Engine) room(ctx context.Context, hubCode, roomID string, w Window) (*Aggregate, error) {
	d, err := e.fetchHub(ctx, hubCode)
	if err != nil {
		return nil, err
	}
	p := e.partition(hubCode, d)

	var rm *roomMembers
	for i := range p.rooms {
		if p.rooms[i].room.RoomID == roomID {
			rm = &p.rooms[i]
			break
		}
	}
	if rm == nil {
		return nil, &NotFoundError{Kind: "room", Code: roomID, Err: topology.ErrRoomNotFound}
	}

	name := rm.room.RoomName
	if name == "" {
		name = roomID
	}
	agg := e.newAggregate(LevelRoom, hubCode, name, w)
	agg.RoomID = roomID
	members := make(map[string]bool, len(rm.ids))
	for _, id := range rm.ids {
		rec := p.records[id]
		members[id] = true
		agg.Groups = append(agg.Groups, Group{
			Name:        rec.DisplayName(),
			Key:         id,
			Energy:      p.energy[id],
			DeviceCount: 1,
			DeviceType:  rec.DeviceType,
		})
	}
	e.finish(agg)
	for _, warn := range p.warnings {
		if warn.Room == roomID || members[warn.Device] {
			agg.Warnings = append(agg.Warnings, warn)
		}
	}
	return agg, nil
}

type unitResult struct {
	data    *hubData
	missing bool
	err     error
}

func (e *Engine) admin(ctx context.Context, adminHubCode string, w Window) (*Aggregate, error) {
	var (
		hub   *topology.Hub
		units []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := e.resolver.Hub(gctx, adminHubCode)
		hub = h
		return classify("hub", adminHubCode, err)
	})
	g.Go(func() error {
		u, err := e.resolver.UnitsOf(gctx, adminHubCode)
		units = u
		return classify("units", adminHubCode, err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	agg := e.newAggregate(LevelAdmin, adminHubCode, hub.DisplayName(), w)

	seen := make(map[string]bool, len(units))
	unique := units[:0:0]
	for _, u := range units {
		if seen[u] {
			agg.Warnings = append(agg.Warnings, Warning{Kind: WarnDuplicateUnit, Hub: adminHubCode, Detail: "unit " + u + " listed twice"})
			continue
		}
		seen[u] = true
		unique = append(unique, u)
	}

	// Every unit is read before any is aggregated.
	results := make([]unitResult, len(unique))
	g, gctx = errgroup.WithContext(ctx)
	if e.fanOut > 0 {
		g.SetLimit(e.fanOut)
	}
	for i, u := range unique {
		g.Go(func() error {
			d, err := e.fetchHub(gctx, u)
			switch {
			case IsNotFound(err):
				results[i].missing = true
			case err != nil:
				results[i].err = err
			default:
				results[i].data = d
			}
			return nil
		})
	}
	g.Wait()
	// A unit failing on its own is isolated; the whole computation running
	// out of time is not.
	if err := ctx.Err(); err != nil {
		return nil, &UpstreamError{Op: "units", HubCode: adminHubCode, Err: err}
	}

	for i, u := range unique {
		res := results[i]
		if res.missing {
			agg.Missing = append(agg.Missing, u)
			agg.Warnings = append(agg.Warnings, Warning{Kind: WarnMissingUnit, Hub: adminHubCode, Detail: "unit " + u + " not found"})
			continue
		}
		if res.err != nil {
			agg.Missing = append(agg.Missing, u)
			agg.Warnings = append(agg.Warnings, Warning{Kind: WarnUnitUnavailable, Hub: adminHubCode, Detail: "unit " + u + ": " + res.err.Error()})
			continue
		}
		tp := e.partition(u, res.data)
		tenant := e.buildHub(res.data.hub, tp, w)
		agg.Groups = append(agg.Groups, Group{
			Name:        tenant.Name,
			Key:         u,
			Energy:      tenant.TotalEnergy,
			DeviceCount: len(tp.order),
			HubCode:     u,
		})
		agg.Warnings = append(agg.Warnings, tenant.Warnings...)
	}
	e.finish(agg)
	return agg, nil
}
