package minion

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/config"
	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

const (
	// dialTimeout 是单次连接 master 的超时时间。
	dialTimeout = 10 * time.Second
	// registerTimeout 是等待注册确认的超时时间。
	registerTimeout = 10 * time.Second

	// retcodeNotFound 表示请求的命令未注册。
	retcodeNotFound = 127
)

// ExecError 携带命令退出码穿过处理器边界。
// execute 会把它映射到 Reply.Retcode。
type ExecError struct {
	Retcode int
	Msg     string
}

func (e *ExecError) Error() string { return e.Msg }

func retcodeFrom(err error) int {
	var ee *ExecError
	if errors.As(err, &ee) && ee.Retcode != 0 {
		return ee.Retcode
	}
	return 1
}

// Minion 是工作节点运行时：连接 master、注册身份、定期心跳，
// 并发执行下发的命令请求。
type Minion struct {
	cfg     *config.MinionConfig
	dialer  transport.Dialer
	funcs   *Registry
	grains  map[string]interface{}
	id      string
	version string
	log     *zap.Logger

	mu         sync.RWMutex
	conn       transport.Conn
	masterAddr string

	connected  atomic.Bool
	activeJobs atomic.Int32

	stopOnce sync.Once
	stopped  chan struct{}
}

// Option 配置 Minion 的可选参数。
type Option func(*Minion)

// WithVersion 设置注册时上报的版本号。
func WithVersion(v string) Option {
	return func(m *Minion) { m.version = v }
}

// WithFunc 在内置命令之外追加一个命令处理器。
func WithFunc(name, doc string, fn Func) Option {
	return func(m *Minion) { m.funcs.MustRegister(name, doc, fn) }
}

// New 创建一个 minion 实例。cfg.ID 为空时使用主机名。
func New(cfg *config.MinionConfig, dialer transport.Dialer, opts ...Option) (*Minion, error) {
	if cfg == nil {
		cfg = &config.DefaultConfig().Minion
	}
	if dialer == nil {
		return nil, fmt.Errorf("必须提供 transport dialer")
	}
	if len(cfg.Masters) == 0 {
		return nil, fmt.Errorf("至少需要一个 master 地址")
	}

	id := cfg.ID
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("无法确定 minion ID: %w", err)
		}
		id = host
	}

	grains := defaultGrains()
	maps.Copy(grains, cfg.Grains)

	m := &Minion{
		cfg:     cfg,
		dialer:  dialer,
		funcs:   NewRegistry(),
		grains:  grains,
		id:      id,
		version: "dev",
		log:     logger.L().Named("minion").With(zap.String("id", id)),
		stopped: make(chan struct{}),
	}
	installBuiltins(m)

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// defaultGrains 采集本机的基础属性。用户配置的 grains 会覆盖同名键。
func defaultGrains() map[string]interface{} {
	host, _ := os.Hostname()
	return map[string]interface{}{
		"os":        runtime.GOOS,
		"osarch":    runtime.GOARCH,
		"host":      host,
		"num_cpus":  runtime.NumCPU(),
		"goversion": runtime.Version(),
	}
}

// ID 返回 minion 标识。
func (m *Minion) ID() string { return m.id }

// Grains 返回 grains 的副本。
func (m *Minion) Grains() map[string]interface{} {
	out := make(map[string]interface{}, len(m.grains))
	maps.Copy(out, m.grains)
	return out
}

// Funcs 返回命令注册表，调用方可以在启动前追加命令。
func (m *Minion) Funcs() *Registry { return m.funcs }

// Connected 报告当前是否已注册到某个 master。
func (m *Minion) Connected() bool { return m.connected.Load() }

// ActiveJobs 返回正在执行的命令数量。
func (m *Minion) ActiveJobs() int { return int(m.activeJobs.Load()) }

// Run 维持与 master 的连接直到 ctx 取消或 Stop 被调用。
// 按配置顺序轮询 master 地址，断开后等待 ReconnectWait 再重连。
func (m *Minion) Run(ctx context.Context) error {
	idx := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopped:
			return nil
		default:
		}

		addr := m.cfg.Masters[idx%len(m.cfg.Masters)]
		idx++

		err := m.serve(ctx, addr)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			m.log.Warn("master session ended",
				zap.String("master", addr),
				zap.Error(err))
		}

		select {
		case <-time.After(m.cfg.ReconnectWait):
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopped:
			return nil
		}
	}
}

// Stop 终止 Run 循环并断开当前连接。可以重复调用。
func (m *Minion) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// serve 处理与单个 master 的一次完整会话：连接、注册、心跳、收发。
// 返回时连接已关闭。
func (m *Minion) serve(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	dc, err := m.dialer.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		return fmt.Errorf("连接 master 失败: %w", err)
	}
	defer dc.Conn.Close()

	reg, err := types.NewMessage(types.MsgRegister, &types.RegisterPayload{
		MinionID: m.id,
		Version:  m.version,
		Grains:   m.grains,
	})
	if err != nil {
		return fmt.Errorf("编码注册消息失败: %w", err)
	}
	if err := dc.Conn.Send(reg); err != nil {
		return fmt.Errorf("发送注册消息失败: %w", err)
	}

	ack, err := m.awaitAck(ctx, dc.Recv)
	if err != nil {
		return err
	}

	interval := m.cfg.HeartbeatInterval
	if ack.HeartbeatIntervalMS > 0 {
		interval = time.Duration(ack.HeartbeatIntervalMS) * time.Millisecond
	}

	m.setConn(dc.Conn, addr)
	defer m.clearConn()

	m.log.Info("registered with master",
		zap.String("master", addr),
		zap.String("master_id", ack.MasterID),
		zap.Duration("heartbeat", interval))

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go m.heartbeatLoop(hbCtx, dc.Conn, interval)

	for {
		select {
		case msg, ok := <-dc.Recv:
			if !ok {
				return fmt.Errorf("与 master 的连接已断开")
			}
			m.handleMessage(ctx, dc.Conn, msg)
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopped:
			return nil
		}
	}
}

// awaitAck 等待注册确认。确认前收到的其它消息会被忽略。
func (m *Minion) awaitAck(ctx context.Context, recv <-chan *types.Message) (*types.RegisterAckPayload, error) {
	deadline := time.NewTimer(registerTimeout)
	defer deadline.Stop()

	for {
		select {
		case msg, ok := <-recv:
			if !ok {
				return nil, fmt.Errorf("注册确认前连接已断开")
			}
			if msg.Type != types.MsgRegisterAck {
				m.log.Debug("ignoring pre-ack message", zap.String("type", string(msg.Type)))
				continue
			}
			var ack types.RegisterAckPayload
			if err := msg.Decode(&ack); err != nil {
				return nil, fmt.Errorf("解码注册确认失败: %w", err)
			}
			return &ack, nil
		case <-deadline.C:
			return nil, fmt.Errorf("等待注册确认超时 (%s)", registerTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.stopped:
			return nil, fmt.Errorf("minion 已停止")
		}
	}
}

func (m *Minion) setConn(conn transport.Conn, addr string) {
	m.mu.Lock()
	m.conn = conn
	m.masterAddr = addr
	m.mu.Unlock()
	m.connected.Store(true)
}

func (m *Minion) clearConn() {
	m.connected.Store(false)
	m.mu.Lock()
	m.conn = nil
	m.masterAddr = ""
	m.mu.Unlock()
}

// heartbeatLoop 按固定间隔发送心跳，直到 ctx 取消。
// 发送失败只记录日志，由接收循环负责判定连接死亡。
func (m *Minion) heartbeatLoop(ctx context.Context, conn transport.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb, err := types.NewMessage(types.MsgHeartbeat, &types.HeartbeatPayload{
				MinionID: m.id,
				SentAt:   time.Now().UnixMilli(),
			})
			if err != nil {
				m.log.Error("encode heartbeat failed", zap.Error(err))
				continue
			}
			if err := conn.Send(hb); err != nil {
				m.log.Warn("heartbeat send failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Minion) handleMessage(ctx context.Context, conn transport.Conn, msg *types.Message) {
	switch msg.Type {
	case types.MsgRequest:
		var req types.Request
		if err := msg.Decode(&req); err != nil {
			m.log.Warn("malformed request", zap.Error(err))
			return
		}
		go m.execute(ctx, conn, &req)
	case types.MsgPing:
		pong, err := types.NewMessage(types.MsgPong, &types.HeartbeatPayload{
			MinionID: m.id,
			SentAt:   time.Now().UnixMilli(),
		})
		if err != nil {
			return
		}
		if err := conn.Send(pong); err != nil {
			m.log.Warn("pong send failed", zap.Error(err))
		}
	default:
		m.log.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}

// execute 执行单个命令请求并把结果发回 master。
func (m *Minion) execute(ctx context.Context, conn transport.Conn, req *types.Request) {
	m.activeJobs.Add(1)
	defer m.activeJobs.Add(-1)

	start := time.Now()
	reply := &types.Reply{JobID: req.JobID, MinionID: m.id}

	fn, ok := m.funcs.Get(req.Fun)
	if !ok {
		reply.Error = fmt.Sprintf("'%s' is not available", req.Fun)
		reply.Retcode = retcodeNotFound
	} else {
		val, err := m.call(ctx, fn, req)
		if err != nil {
			reply.Error = err.Error()
			reply.Retcode = retcodeFrom(err)
		} else {
			reply.Return = val
			reply.Success = true
		}
	}

	m.log.Debug("job executed",
		zap.String("jid", req.JobID),
		zap.String("fun", req.Fun),
		zap.Bool("success", reply.Success),
		zap.Duration("took", time.Since(start)))

	out, err := types.NewMessage(types.MsgReply, reply)
	if err != nil {
		m.log.Error("encode reply failed",
			zap.String("jid", req.JobID),
			zap.Error(err))
		return
	}
	if err := conn.Send(out); err != nil {
		m.log.Warn("send reply failed",
			zap.String("jid", req.JobID),
			zap.Error(err))
	}
}

// call 调用处理器并把 panic 转成错误，防止单个命令拖垮整个 minion。
func (m *Minion) call(ctx context.Context, fn Func, req *types.Request) (val interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, req.Args, req.Kwargs)
}

// FireEvent 主动向 master 推送一条自定义事件。
func (m *Minion) FireEvent(tag string, data map[string]interface{}) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("尚未连接到 master")
	}

	msg, err := types.NewMessage(types.MsgEvent, &types.EventPayload{
		MinionID: m.id,
		Tag:      tag,
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	return conn.Send(msg)
}
