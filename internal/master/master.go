package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/config"
	"yqhp/dispatch-engine/internal/dispatch"
	"yqhp/dispatch-engine/internal/eventbus"
	"yqhp/dispatch-engine/internal/registry"
	"yqhp/dispatch-engine/internal/returner"
	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/internal/transport/factory"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// minHeartbeatHint bounds the advertised heartbeat interval from below so a
// tiny stale_after can never make minions busy-loop.
const minHeartbeatHint = time.Second

// Master is the control-plane process. One instance per process.
type Master struct {
	cfg     *config.Config
	id      string
	version string

	registry   *registry.Registry
	bus        *eventbus.Bus
	store      *returner.Multi
	dispatcher *dispatch.Dispatcher
	listener   transport.Listener
	kind       types.TransportKind

	// heartbeatHint is the cadence advertised to minions in the register
	// ack. It is derived from stale_after so three missed beats cross the
	// eviction threshold.
	heartbeatHint time.Duration

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
	fatal    chan error
	log      *zap.Logger
}

// Option configures optional master parameters.
type Option func(*Master)

// WithVersion sets the version string advertised in register acks.
func WithVersion(v string) Option {
	return func(m *Master) { m.version = v }
}

// WithListener injects a prebuilt listener instead of constructing one from
// the transport config section.
func WithListener(l transport.Listener, kind types.TransportKind) Option {
	return func(m *Master) {
		m.listener = l
		m.kind = kind
	}
}

// New assembles a master from configuration. The listener is constructed from
// the transport section unless injected; the returner stack always includes
// the local cache.
func New(cfg *config.Config, opts ...Option) (*Master, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	id := cfg.Master.ID
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("cannot determine master ID: %w", err)
		}
		id = host + "_master"
	}

	hint := cfg.Master.StaleAfter / 3
	if hint < minHeartbeatHint {
		hint = minHeartbeatHint
	}

	m := &Master{
		cfg:           cfg,
		id:            id,
		version:       "dev",
		registry:      registry.New(),
		heartbeatHint: hint,
		fatal:         make(chan error, 1),
		log:           logger.L().Named("master").With(zap.String("id", id)),
	}
	for _, opt := range opts {
		opt(m)
	}

	busOpts := []eventbus.Option{}
	if cfg.Bus.SubscriberCeiling > 0 {
		busOpts = append(busOpts, eventbus.WithCeiling(cfg.Bus.SubscriberCeiling))
	}
	if cfg.Bus.PublishWindow > 0 {
		busOpts = append(busOpts, eventbus.WithPublishWindow(cfg.Bus.PublishWindow))
	}
	m.bus = eventbus.New(busOpts...)

	store, err := returner.New(&cfg.Returner)
	if err != nil {
		return nil, fmt.Errorf("returner setup: %w", err)
	}
	m.store = store

	if m.listener == nil {
		var monitor transport.MonitorFunc
		if cfg.Transport.SocketMonitor {
			monitor = func(kind string, fields map[string]interface{}) {
				m.bus.Publish(types.TagSockPrefix+kind, fields)
			}
		}
		lst, kind, err := factory.NewListener(cfg, monitor)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		m.listener = lst
		m.kind = kind
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithEndTimeRecording(cfg.Returner.RecordEndTime),
	}
	if cfg.Master.DefaultDeadline > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithDefaultDeadline(cfg.Master.DefaultDeadline))
	}
	m.dispatcher = dispatch.New(m.registry, m.listener, m.store, m.bus, dispatchOpts...)

	return m, nil
}

// ID returns the master identity sent in register acks.
func (m *Master) ID() string { return m.id }

// Registry exposes the live minion set.
func (m *Master) Registry() *registry.Registry { return m.registry }

// Bus exposes the event bus.
func (m *Master) Bus() *eventbus.Bus { return m.bus }

// Dispatcher exposes the job engine.
func (m *Master) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// Fatal delivers at most one unrecoverable error. The process should exit
// when it fires; everything else is survived and logged.
func (m *Master) Fatal() <-chan error { return m.fatal }

// Start launches the listener and the routing, sweep and fatal-watch loops.
func (m *Master) Start(ctx context.Context) error {
	if m.started.Load() {
		return fmt.Errorf("master already started")
	}

	m.loopCtx, m.loopCancel = context.WithCancel(context.Background())

	if err := m.listener.Start(m.loopCtx); err != nil {
		m.loopCancel()
		return fmt.Errorf("transport listener: %w", err)
	}

	m.wg.Add(4)
	go m.recvLoop()
	go m.sweepLoop()
	go m.watchMinions()
	go m.watchFatal()

	m.started.Store(true)
	m.log.Info("master started",
		zap.String("transport", string(m.kind)),
		zap.String("listen", m.cfg.Transport.ListenAddr),
		zap.Duration("heartbeat_hint", m.heartbeatHint))
	return nil
}

// Stop tears the master down: listener first so inbound traffic stops, then
// the dispatcher, then the loops, then storage and bus. Safe to call twice.
func (m *Master) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.log.Info("master stopping")

		if m.loopCancel != nil {
			m.loopCancel()
		}
		_ = m.listener.Close()
		m.dispatcher.Close()
		m.wg.Wait()

		if err := m.store.Close(); err != nil {
			m.log.Warn("returner close failed", zap.Error(err))
		}
		m.bus.Close()

		m.started.Store(false)
		m.log.Info("master stopped")
	})
	return nil
}

// recvLoop drains the listener and routes each inbound frame.
func (m *Master) recvLoop() {
	defer m.wg.Done()
	for {
		select {
		case in, ok := <-m.listener.Recv():
			if !ok {
				return
			}
			m.route(in)
		case <-m.loopCtx.Done():
			return
		}
	}
}

func (m *Master) route(in transport.Inbound) {
	switch in.Msg.Type {
	case types.MsgRegister:
		m.handleRegister(in)
	case types.MsgHeartbeat, types.MsgPong:
		var hb types.HeartbeatPayload
		if err := in.Msg.Decode(&hb); err != nil {
			m.log.Warn("malformed heartbeat", zap.Error(err))
			return
		}
		m.touchConn(in.Conn, hb.MinionID)
	case types.MsgReply:
		m.handleReply(in)
	case types.MsgEvent:
		m.handleEvent(in)
	default:
		m.log.Debug("unexpected message type",
			zap.String("type", string(in.Msg.Type)),
			zap.String("peer", in.Conn.ID()))
	}
}

// handleRegister admits a minion: registry upsert, ack with the heartbeat
// hint, join event. Re-registration of a live ID is a reconnect and goes
// through the same path.
func (m *Master) handleRegister(in transport.Inbound) {
	var p types.RegisterPayload
	if err := in.Msg.Decode(&p); err != nil {
		m.log.Warn("malformed register payload", zap.Error(err))
		_ = in.Conn.Close()
		return
	}
	if p.MinionID == "" {
		m.log.Warn("register without minion ID", zap.String("peer", in.Conn.RemoteAddr()))
		_ = in.Conn.Close()
		return
	}

	info := &types.MinionInfo{
		ID:        p.MinionID,
		Transport: m.kind,
		Address:   in.Conn.RemoteAddr(),
		Version:   p.Version,
		Grains:    p.Grains,
	}
	if err := m.registry.Register(info); err != nil {
		m.log.Warn("registry rejected minion",
			zap.String("minion", p.MinionID), zap.Error(err))
		_ = in.Conn.Close()
		return
	}

	ack, err := types.NewMessage(types.MsgRegisterAck, &types.RegisterAckPayload{
		MasterID:            m.id,
		HeartbeatIntervalMS: m.heartbeatHint.Milliseconds(),
		Version:             m.version,
	})
	if err != nil {
		m.log.Error("encode register ack failed", zap.Error(err))
		return
	}
	if err := in.Conn.Send(ack); err != nil {
		m.log.Warn("register ack send failed",
			zap.String("minion", p.MinionID), zap.Error(err))
		return
	}

	m.bus.Publish(types.TagMinionJoin, map[string]interface{}{
		"id":        p.MinionID,
		"transport": string(m.kind),
		"version":   p.Version,
	})
	m.log.Info("minion registered",
		zap.String("minion", p.MinionID),
		zap.String("addr", info.Address),
		zap.String("version", p.Version))
}

func (m *Master) handleReply(in transport.Inbound) {
	var reply types.Reply
	if err := in.Msg.Decode(&reply); err != nil {
		m.log.Warn("malformed reply", zap.Error(err))
		return
	}

	if err := m.dispatcher.HandleReply(m.loopCtx, &reply); err != nil {
		if errors.Is(err, types.ErrDuplicateReply) || errors.Is(err, types.ErrUnknownJob) {
			m.log.Debug("stray reply dropped",
				zap.String("jid", reply.JobID),
				zap.String("minion", reply.MinionID),
				zap.Error(err))
		} else {
			m.log.Warn("reply handling failed",
				zap.String("jid", reply.JobID),
				zap.String("minion", reply.MinionID),
				zap.Error(err))
		}
	}
	m.touchConn(in.Conn, reply.MinionID)
}

func (m *Master) handleEvent(in transport.Inbound) {
	var p types.EventPayload
	if err := in.Msg.Decode(&p); err != nil {
		m.log.Warn("malformed event payload", zap.Error(err))
		return
	}
	if p.Tag == "" {
		m.log.Warn("event without tag", zap.String("minion", p.MinionID))
		return
	}

	data := p.Data
	if data == nil {
		data = make(map[string]interface{}, 1)
	}
	if _, ok := data["id"]; !ok {
		data["id"] = p.MinionID
	}
	m.bus.Publish(p.Tag, data)
	m.touchConn(in.Conn, p.MinionID)
}

// touchConn refreshes the sender's liveness. Traffic from an ID the registry
// does not know gets its connection dropped, which forces the minion back
// through the register handshake.
func (m *Master) touchConn(conn transport.Conn, minionID string) {
	if minionID == "" {
		return
	}
	if err := m.registry.Touch(minionID); err != nil {
		m.log.Debug("traffic from unregistered minion, dropping connection",
			zap.String("minion", minionID))
		_ = conn.Close()
	}
}

// sweepLoop evicts minions whose last traffic is older than stale_after.
// The fallout of an eviction is handled by watchMinions, off the registry's
// lifecycle stream.
func (m *Master) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Master.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.registry.Sweep(now, m.cfg.Master.StaleAfter)
		case <-m.loopCtx.Done():
			return
		}
	}
}

// watchMinions reacts to registry lifecycle changes. Whatever path removes a
// minion, its pending sends fail fast, its connection closes and a leave
// event fires.
func (m *Master) watchMinions() {
	defer m.wg.Done()

	for ev := range m.registry.Watch(m.loopCtx) {
		if ev.Type != types.MinionEventLeft {
			continue
		}
		m.dispatcher.FailMinion(ev.MinionID)
		if conn, ok := m.listener.Lookup(ev.MinionID); ok {
			_ = conn.Close()
		}
		m.bus.Publish(types.TagMinionLeave, map[string]interface{}{
			"id":     ev.MinionID,
			"reason": ev.Reason,
		})
		m.log.Warn("minion left",
			zap.String("minion", ev.MinionID), zap.String("reason", ev.Reason))
	}
}

// watchFatal forwards the listener's unrecoverable error, if any.
func (m *Master) watchFatal() {
	defer m.wg.Done()
	select {
	case err, ok := <-m.listener.Fatal():
		if ok && err != nil {
			m.log.Error("transport listener failed", zap.Error(err))
			select {
			case m.fatal <- err:
			default:
			}
		}
	case <-m.loopCtx.Done():
	}
}

// Submit dispatches a job to the minions matching the target.
func (m *Master) Submit(ctx context.Context, sub dispatch.Submission) (*types.JobRecord, error) {
	return m.dispatcher.Submit(ctx, sub)
}

// Query returns the report for one job, live or stored.
func (m *Master) Query(ctx context.Context, jobID string) (*types.JobReport, error) {
	return m.dispatcher.Query(ctx, jobID)
}

// Wait blocks until the job reaches a terminal status or ctx expires.
func (m *Master) Wait(ctx context.Context, jobID string) (*types.JobReport, error) {
	return m.dispatcher.Wait(ctx, jobID)
}

// ListJobs returns recent job records, newest first.
func (m *Master) ListJobs(ctx context.Context, limit int) ([]*types.JobRecord, error) {
	return m.dispatcher.ListJobs(ctx, limit)
}

// Minions lists every registered minion.
func (m *Master) Minions() []*types.MinionInfo {
	return m.registry.List()
}

// MinionStatus returns one minion's liveness state.
func (m *Master) MinionStatus(minionID string) (*types.MinionStatus, error) {
	return m.registry.Status(minionID)
}

// PublishEvent injects an event onto the bus from the master side.
func (m *Master) PublishEvent(tag string, data map[string]interface{}) error {
	if tag == "" {
		return fmt.Errorf("event tag cannot be empty")
	}
	m.bus.Publish(tag, data)
	return nil
}

// Events subscribes to the bus with a tag prefix pattern.
func (m *Master) Events(ctx context.Context, pattern string) <-chan *types.Event {
	return m.bus.Subscribe(ctx, pattern)
}

// PingStatus probes the fleet with test.ping and splits it into minions that
// answered within the deadline and minions that did not. Down includes
// registered minions currently offline as well as ones that missed the probe.
func (m *Master) PingStatus(ctx context.Context, deadline time.Duration) (up, down []string, err error) {
	known := make([]string, 0)
	for _, info := range m.registry.List() {
		known = append(known, info.ID)
	}
	sort.Strings(known)

	rec, err := m.dispatcher.Submit(ctx, dispatch.Submission{
		Fun:      "test.ping",
		Target:   types.AllMinions(),
		Deadline: deadline,
	})
	if err != nil {
		return nil, nil, err
	}

	waitCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		// Grace on top of the job deadline so the terminal event wins the race.
		waitCtx, cancel = context.WithTimeout(ctx, deadline+5*time.Second)
		defer cancel()
	}
	report, err := m.dispatcher.Wait(waitCtx, rec.JobID)
	if err != nil {
		return nil, nil, err
	}

	alive := make(map[string]bool, len(report.Replies))
	for _, reply := range report.Replies {
		if reply.Success {
			alive[reply.MinionID] = true
		}
	}

	up = make([]string, 0, len(alive))
	down = make([]string, 0)
	for _, id := range known {
		if alive[id] {
			up = append(up, id)
		} else {
			down = append(down, id)
		}
	}
	return up, down, nil
}
