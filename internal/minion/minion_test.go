package minion

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dispatch-engine/internal/config"
	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/types"
)

// scriptConn is the minion's side of a faked master connection. Everything the
// minion sends lands in sent; the test plays the master by pushing messages
// onto the paired recv channel.
type scriptConn struct {
	mu     sync.Mutex
	sent   []*types.Message
	closed bool
}

func (c *scriptConn) ID() string         { return "master-1" }
func (c *scriptConn) RemoteAddr() string { return "fake:4505" }

func (c *scriptConn) Send(msg *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) ofType(tp types.MessageType) []*types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Message
	for _, msg := range c.sent {
		if msg.Type == tp {
			out = append(out, msg)
		}
	}
	return out
}

// masterEnd pairs a scripted connection with its inbound channel.
type masterEnd struct {
	addr string
	conn *scriptConn
	recv chan *types.Message
}

func (e *masterEnd) push(t *testing.T, tp types.MessageType, payload interface{}) {
	t.Helper()
	msg, err := types.NewMessage(tp, payload)
	require.NoError(t, err)
	e.recv <- msg
}

func (e *masterEnd) waitSent(t *testing.T, tp types.MessageType, n int) *types.Message {
	t.Helper()
	var got []*types.Message
	waitFor(t, func() bool {
		got = e.conn.ofType(tp)
		return len(got) >= n
	}, fmt.Sprintf("message %d of type %s", n, tp))
	return got[n-1]
}

// fakeDialer hands out one masterEnd per Dial call, in call order.
type fakeDialer struct {
	mu   sync.Mutex
	fail map[string]error
	ends []*masterEnd
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{fail: make(map[string]error)}
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (*transport.DialedConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[addr]; err != nil {
		return nil, err
	}
	end := &masterEnd{
		addr: addr,
		conn: &scriptConn{},
		recv: make(chan *types.Message, 16),
	}
	d.ends = append(d.ends, end)
	return &transport.DialedConn{Conn: end.conn, Recv: end.recv}, nil
}

func (d *fakeDialer) end(t *testing.T, n int) *masterEnd {
	t.Helper()
	var end *masterEnd
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.ends) < n {
			return false
		}
		end = d.ends[n-1]
		return true
	}, fmt.Sprintf("dial attempt %d", n))
	return end
}

func (d *fakeDialer) dialedAddrs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	addrs := make([]string, len(d.ends))
	for i, end := range d.ends {
		addrs[i] = end.addr
	}
	return addrs
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(masters ...string) *config.MinionConfig {
	if len(masters) == 0 {
		masters = []string{"fake:4505"}
	}
	return &config.MinionConfig{
		ID:                "web-1",
		Masters:           masters,
		HeartbeatInterval: time.Hour,
		ReconnectWait:     10 * time.Millisecond,
		ScriptTimeout:     5 * time.Second,
	}
}

// startMinion runs the minion in the background and tears it down with the test.
func startMinion(t *testing.T, cfg *config.MinionConfig, dialer *fakeDialer, opts ...Option) *Minion {
	t.Helper()
	m, err := New(cfg, dialer, opts...)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()

	t.Cleanup(func() {
		m.Stop()
		select {
		case <-runErr:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after Stop")
		}
	})
	return m
}

// register walks the n-th dialed connection through the handshake.
func register(t *testing.T, d *fakeDialer, n int) *masterEnd {
	t.Helper()
	end := d.end(t, n)
	end.waitSent(t, types.MsgRegister, 1)
	end.push(t, types.MsgRegisterAck, &types.RegisterAckPayload{
		MasterID: "master-1",
		Version:  "0.1.0",
	})
	return end
}

func TestNew_DefaultsIDToHostname(t *testing.T) {
	cfg := testConfig()
	cfg.ID = ""

	m, err := New(cfg, newFakeDialer())
	require.NoError(t, err)

	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, host, m.ID())
}

func TestNew_RequiresMasters(t *testing.T) {
	cfg := testConfig()
	cfg.Masters = nil

	_, err := New(cfg, newFakeDialer())
	assert.Error(t, err)
}

func TestNew_RequiresDialer(t *testing.T) {
	_, err := New(testConfig(), nil)
	assert.Error(t, err)
}

func TestNew_UserGrainsOverrideDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.Grains = map[string]interface{}{
		"os":   "customized",
		"role": "db",
	}

	m, err := New(cfg, newFakeDialer())
	require.NoError(t, err)

	grains := m.Grains()
	assert.Equal(t, "customized", grains["os"])
	assert.Equal(t, "db", grains["role"])
	assert.Contains(t, grains, "num_cpus")
	assert.Contains(t, grains, "host")
}

func TestRun_RegistersWithMaster(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer, WithVersion("0.1.0"))

	end := dialer.end(t, 1)
	reg := end.waitSent(t, types.MsgRegister, 1)

	var payload types.RegisterPayload
	require.NoError(t, reg.Decode(&payload))
	assert.Equal(t, "web-1", payload.MinionID)
	assert.Equal(t, "0.1.0", payload.Version)
	assert.Equal(t, runtime.GOOS, payload.Grains["os"])

	end.push(t, types.MsgRegisterAck, &types.RegisterAckPayload{MasterID: "master-1"})
	waitFor(t, m.Connected, "registration to settle")
}

func TestRun_ExecutesRequest(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer)
	end := register(t, dialer, 1)
	waitFor(t, m.Connected, "registration")

	end.push(t, types.MsgRequest, &types.Request{
		JobID:    "20260823120000000001",
		MinionID: "web-1",
		Fun:      "test.ping",
	})

	msg := end.waitSent(t, types.MsgReply, 1)
	var reply types.Reply
	require.NoError(t, msg.Decode(&reply))
	assert.Equal(t, "20260823120000000001", reply.JobID)
	assert.Equal(t, "web-1", reply.MinionID)
	assert.True(t, reply.Success)
	assert.Equal(t, true, reply.Return)
	assert.Equal(t, 0, reply.Retcode)
}

func TestRun_UnknownFunction(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer)
	end := register(t, dialer, 1)
	waitFor(t, m.Connected, "registration")

	end.push(t, types.MsgRequest, &types.Request{
		JobID:    "j1",
		MinionID: "web-1",
		Fun:      "no.such",
	})

	msg := end.waitSent(t, types.MsgReply, 1)
	var reply types.Reply
	require.NoError(t, msg.Decode(&reply))
	assert.False(t, reply.Success)
	assert.Equal(t, retcodeNotFound, reply.Retcode)
	assert.Equal(t, "'no.such' is not available", reply.Error)
}

func TestRun_HandlerPanicIsRecovered(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer, WithFunc("boom.now", "",
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		}))
	end := register(t, dialer, 1)
	waitFor(t, m.Connected, "registration")

	end.push(t, types.MsgRequest, &types.Request{JobID: "j1", MinionID: "web-1", Fun: "boom.now"})

	msg := end.waitSent(t, types.MsgReply, 1)
	var reply types.Reply
	require.NoError(t, msg.Decode(&reply))
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Error, "handler panic")

	// The minion survives the panic and keeps serving.
	end.push(t, types.MsgRequest, &types.Request{JobID: "j2", MinionID: "web-1", Fun: "test.ping"})
	msg = end.waitSent(t, types.MsgReply, 2)
	require.NoError(t, msg.Decode(&reply))
	assert.True(t, reply.Success)
}

func TestRun_HandlerRetcode(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer, WithFunc("fail.custom", "",
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return nil, &ExecError{Retcode: 3, Msg: "custom failure"}
		}))
	end := register(t, dialer, 1)
	waitFor(t, m.Connected, "registration")

	end.push(t, types.MsgRequest, &types.Request{JobID: "j1", MinionID: "web-1", Fun: "fail.custom"})

	msg := end.waitSent(t, types.MsgReply, 1)
	var reply types.Reply
	require.NoError(t, msg.Decode(&reply))
	assert.False(t, reply.Success)
	assert.Equal(t, 3, reply.Retcode)
	assert.Equal(t, "custom failure", reply.Error)
}

func TestRun_RespondsToPing(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer)
	end := register(t, dialer, 1)
	waitFor(t, m.Connected, "registration")

	end.push(t, types.MsgPing, &types.HeartbeatPayload{MinionID: "master-1"})

	msg := end.waitSent(t, types.MsgPong, 1)
	var pong types.HeartbeatPayload
	require.NoError(t, msg.Decode(&pong))
	assert.Equal(t, "web-1", pong.MinionID)
}

func TestRun_HeartbeatUsesAckInterval(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer)

	end := dialer.end(t, 1)
	end.waitSent(t, types.MsgRegister, 1)
	end.push(t, types.MsgRegisterAck, &types.RegisterAckPayload{
		MasterID:            "master-1",
		HeartbeatIntervalMS: 20,
	})
	waitFor(t, m.Connected, "registration")

	msg := end.waitSent(t, types.MsgHeartbeat, 2)
	var hb types.HeartbeatPayload
	require.NoError(t, msg.Decode(&hb))
	assert.Equal(t, "web-1", hb.MinionID)
	assert.Greater(t, hb.SentAt, int64(0))
}

func TestRun_IgnoresPreAckMessages(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer)

	end := dialer.end(t, 1)
	end.waitSent(t, types.MsgRegister, 1)

	// A request arriving before the ack must not be executed.
	end.push(t, types.MsgRequest, &types.Request{JobID: "early", MinionID: "web-1", Fun: "test.ping"})
	end.push(t, types.MsgRegisterAck, &types.RegisterAckPayload{MasterID: "master-1"})
	waitFor(t, m.Connected, "registration")

	end.push(t, types.MsgRequest, &types.Request{JobID: "j1", MinionID: "web-1", Fun: "test.ping"})
	msg := end.waitSent(t, types.MsgReply, 1)

	var reply types.Reply
	require.NoError(t, msg.Decode(&reply))
	assert.Equal(t, "j1", reply.JobID)
	assert.Len(t, end.conn.ofType(types.MsgReply), 1)
}

func TestRun_FailsOverToNextMaster(t *testing.T) {
	dialer := newFakeDialer()
	dialer.fail["dead:4505"] = fmt.Errorf("connection refused")

	cfg := testConfig("dead:4505", "live:4505")
	m := startMinion(t, cfg, dialer)

	register(t, dialer, 1)
	waitFor(t, m.Connected, "failover registration")

	assert.Equal(t, []string{"live:4505"}, dialer.dialedAddrs())
}

func TestRun_ReconnectsAfterDisconnect(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer)

	end := register(t, dialer, 1)
	waitFor(t, m.Connected, "first registration")

	close(end.recv)
	waitFor(t, func() bool { return !m.Connected() }, "disconnect")

	register(t, dialer, 2)
	waitFor(t, m.Connected, "second registration")
}

func TestFireEvent_NotConnected(t *testing.T) {
	m, err := New(testConfig(), newFakeDialer())
	require.NoError(t, err)

	err = m.FireEvent("deploy/done", nil)
	assert.Error(t, err)
}

func TestFireEvent_SendsEvent(t *testing.T) {
	dialer := newFakeDialer()
	m := startMinion(t, testConfig(), dialer)
	end := register(t, dialer, 1)
	waitFor(t, m.Connected, "registration")

	err := m.FireEvent("deploy/done", map[string]interface{}{"release": "v2"})
	require.NoError(t, err)

	msg := end.waitSent(t, types.MsgEvent, 1)
	var ev types.EventPayload
	require.NoError(t, msg.Decode(&ev))
	assert.Equal(t, "web-1", ev.MinionID)
	assert.Equal(t, "deploy/done", ev.Tag)
	assert.Equal(t, "v2", ev.Data["release"])
}

func TestStop_TerminatesRun(t *testing.T) {
	dialer := newFakeDialer()
	m, err := New(testConfig(), dialer)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()

	register(t, dialer, 1)
	waitFor(t, m.Connected, "registration")

	m.Stop()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
