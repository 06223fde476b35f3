package proxy

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/sockrelay/relay/messages"
	"github.com/netbirdio/sockrelay/relay/server/pool"
)

const eventTimeout = 5 * time.Second

type event struct {
	kind   string
	data   []byte
	err    error
	remote messages.RemoteConnection
}

type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 64)}
}

func (r *recorder) OnConnect() { r.events <- event{kind: "connect"} }
func (r *recorder) OnData(payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	r.events <- event{kind: "data", data: buf}
}
func (r *recorder) OnTimeout()        { r.events <- event{kind: "timeout"} }
func (r *recorder) OnClose()          { r.events <- event{kind: "close"} }
func (r *recorder) OnError(err error) { r.events <- event{kind: "error", err: err} }
func (r *recorder) OnConnection(remote messages.RemoteConnection) {
	r.events <- event{kind: "connection", remote: remote}
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(eventTimeout):
		t.Fatalf("timeout waiting for event")
		return event{}
	}
}

func (r *recorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("unexpected event: %s", e.kind)
	case <-time.After(wait):
	}
}

func testLogger(t *testing.T) *log.Entry {
	return log.WithField("test", t.Name())
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func newTestFactory(t *testing.T, cfg Config, ports int) (*Factory, *pool.Pool) {
	t.Helper()
	start := freePort(t)
	end := start + ports - 1
	if end > 65535 {
		end = 65535
	}
	p, err := pool.New(start, end)
	require.NoError(t, err)
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1"
	}
	return NewFactory(cfg, p, NewServers(), nil), p
}

func params(addr net.Addr) messages.SocketParams {
	host, port, _ := net.SplitHostPort(addr.String())
	p, _ := strconv.Atoi(port)
	return messages.SocketParams{Host: host, Port: p}
}

func TestTCPSocket_ConnectSendReceive(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	f, _ := newTestFactory(t, Config{}, 1)
	rec := newRecorder()
	res, err := f.NewTCPSocket(testLogger(t), params(l.Addr()), rec)
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, messages.KindTCPSocket, res.Kind())

	// queued before the connection exists
	require.NoError(t, res.Send([]byte("hello ")))
	require.NoError(t, res.Send([]byte("world")))

	res.Start()
	remote, err := l.Accept()
	require.NoError(t, err)
	defer remote.Close()

	assert.Equal(t, "connect", rec.next(t).kind)

	buf := make([]byte, len("hello world"))
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	_, err = remote.Write([]byte("pong"))
	require.NoError(t, err)
	e := rec.next(t)
	assert.Equal(t, "data", e.kind)
	assert.Equal(t, "pong", string(e.data))

	require.NoError(t, remote.Close())
	assert.Equal(t, "close", rec.next(t).kind)
}

func TestTCPSocket_ConnectRefused(t *testing.T) {
	port := freePort(t)
	f, _ := newTestFactory(t, Config{}, 1)
	rec := newRecorder()

	res, err := f.NewTCPSocket(testLogger(t), messages.SocketParams{Host: "127.0.0.1", Port: port}, rec)
	require.NoError(t, err)
	defer res.Close()
	res.Start()

	e := rec.next(t)
	require.Equal(t, "error", e.kind)
	assert.ErrorIs(t, e.err, ErrSocket)
	assert.Equal(t, "close", rec.next(t).kind)
}

func TestTCPSocket_DialTimeout(t *testing.T) {
	f, _ := newTestFactory(t, Config{DialTimeout: time.Nanosecond}, 1)
	rec := newRecorder()

	res, err := f.NewTCPSocket(testLogger(t), messages.SocketParams{Host: "10.255.255.1", Port: 9}, rec)
	require.NoError(t, err)
	defer res.Close()
	res.Start()

	assert.Equal(t, "timeout", rec.next(t).kind)
	assert.Equal(t, "close", rec.next(t).kind)
}

func TestTCPSocket_IdleTimeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	f, _ := newTestFactory(t, Config{IdleTimeout: 50 * time.Millisecond}, 1)
	rec := newRecorder()
	res, err := f.NewTCPSocket(testLogger(t), params(l.Addr()), rec)
	require.NoError(t, err)
	defer res.Close()
	res.Start()

	remote, err := l.Accept()
	require.NoError(t, err)
	defer remote.Close()

	assert.Equal(t, "connect", rec.next(t).kind)
	assert.Equal(t, "timeout", rec.next(t).kind)

	// the connection survives the timeout
	_, err = remote.Write([]byte("late"))
	require.NoError(t, err)
	for {
		e := rec.next(t)
		if e.kind == "timeout" {
			continue
		}
		assert.Equal(t, "data", e.kind)
		assert.Equal(t, "late", string(e.data))
		break
	}
}

func TestTCPSocket_CloseIsSilent(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	f, _ := newTestFactory(t, Config{}, 1)
	rec := newRecorder()
	res, err := f.NewTCPSocket(testLogger(t), params(l.Addr()), rec)
	require.NoError(t, err)
	res.Start()

	remote, err := l.Accept()
	require.NoError(t, err)
	defer remote.Close()
	assert.Equal(t, "connect", rec.next(t).kind)

	require.NoError(t, res.Close())
	require.NoError(t, res.Close())
	assert.ErrorIs(t, res.Send([]byte("x")), ErrSocket)

	for {
		select {
		case e := <-rec.events:
			assert.NotEqual(t, "error", e.kind)
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
}

func TestUDPSocket_Echo(t *testing.T) {
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer echo.Close()

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = echo.WriteToUDP(buf[:n], addr)
		}
	}()

	f, _ := newTestFactory(t, Config{}, 1)
	rec := newRecorder()
	res, err := f.NewUDPSocket(testLogger(t), params(echo.LocalAddr()), rec)
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, messages.KindUDPSocket, res.Kind())

	res.Start()
	require.NoError(t, res.Send([]byte("ping")))

	e := rec.next(t)
	assert.Equal(t, "data", e.kind)
	assert.Equal(t, "ping", string(e.data))

	require.NoError(t, res.Close())
	assert.ErrorIs(t, res.Send([]byte("ping")), ErrSocket)
	rec.expectNone(t, 100*time.Millisecond)
}

func TestUDPSocket_ResolveFailure(t *testing.T) {
	f, _ := newTestFactory(t, Config{}, 1)
	_, err := f.NewUDPSocket(testLogger(t), messages.SocketParams{Host: "host.invalid", Port: 53}, newRecorder())
	assert.ErrorIs(t, err, ErrSocket)
}

func TestTCPServer_AcceptAndAttach(t *testing.T) {
	f, p := newTestFactory(t, Config{}, 1)
	srvRec := newRecorder()

	srv, err := f.NewTCPServer(testLogger(t), srvRec)
	require.NoError(t, err)
	defer srv.Close()

	port := srv.Port()
	assert.Equal(t, 0, p.Available())
	assert.Equal(t, &messages.HandshakeAddress{Address: messages.ServerAddress{Port: port, Family: "IPv4"}}, srv.Address())

	srvRec.expectNone(t, 50*time.Millisecond)
	require.NoError(t, srv.Listen())
	assert.ErrorIs(t, srv.Listen(), ErrAlreadyListening)
	srv.Serve()

	peer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer peer.Close()

	e := srvRec.next(t)
	require.Equal(t, "connection", e.kind)
	assert.Equal(t, messages.RemoteConnection{ID: 1, Port: port}, e.remote)

	attachParams := messages.SocketParams{Host: "127.0.0.1", Port: port, ClientID: e.remote.ID}
	rec := newRecorder()
	res, err := f.NewTCPSocket(testLogger(t), attachParams, rec)
	require.NoError(t, err)
	res.Start()

	_, err = f.NewTCPSocket(testLogger(t), attachParams, newRecorder())
	assert.ErrorIs(t, err, ErrConnectionNotFound, "an accepted connection is attached once")

	_, err = f.NewTCPSocket(testLogger(t), messages.SocketParams{Host: "127.0.0.1", Port: port, ClientID: 99}, newRecorder())
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	_, err = peer.Write([]byte("from peer"))
	require.NoError(t, err)
	d := rec.next(t)
	assert.Equal(t, "data", d.kind)
	assert.Equal(t, "from peer", string(d.data))

	require.NoError(t, res.Send([]byte("to peer")))
	buf := make([]byte, len("to peer"))
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "to peer", string(buf))

	// closing the accepted connection removes it from the registry
	require.NoError(t, peer.Close())
	assert.Equal(t, "close", rec.next(t).kind)
	assert.Eventually(t, func() bool { return srv.Accepted().Count() == 0 }, eventTimeout, 10*time.Millisecond)
}

func listeningServer(t *testing.T, f *Factory, rec *recorder) *TCPServer {
	t.Helper()
	srv, err := f.NewTCPServer(testLogger(t), rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.Listen())
	srv.Serve()
	return srv
}

func TestTCPServer_DataBeforeAttach(t *testing.T) {
	f, _ := newTestFactory(t, Config{}, 1)
	srvRec := newRecorder()
	srv := listeningServer(t, f, srvRec)

	peer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())))
	require.NoError(t, err)
	defer peer.Close()

	e := srvRec.next(t)
	require.Equal(t, "connection", e.kind)

	_, err = peer.Write([]byte("early"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	rec := newRecorder()
	res, err := f.NewTCPSocket(testLogger(t), messages.SocketParams{Host: "127.0.0.1", Port: srv.Port(), ClientID: e.remote.ID}, rec)
	require.NoError(t, err)
	defer res.Close()
	res.Start()

	var got []byte
	for len(got) < len("early late") {
		if len(got) == len("early") {
			_, err = peer.Write([]byte(" late"))
			require.NoError(t, err)
		}
		d := rec.next(t)
		require.Equal(t, "data", d.kind)
		got = append(got, d.data...)
	}
	assert.Equal(t, "early late", string(got))
}

func TestTCPServer_PeerClosedBeforeAttach(t *testing.T) {
	f, _ := newTestFactory(t, Config{}, 1)
	srvRec := newRecorder()
	srv := listeningServer(t, f, srvRec)

	peer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())))
	require.NoError(t, err)

	e := srvRec.next(t)
	require.Equal(t, "connection", e.kind)

	require.NoError(t, peer.Close())
	assert.Eventually(t, func() bool { return srv.Accepted().Count() == 0 }, eventTimeout, 10*time.Millisecond)

	_, err = f.NewTCPSocket(testLogger(t), messages.SocketParams{Host: "127.0.0.1", Port: srv.Port(), ClientID: e.remote.ID}, newRecorder())
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	srvRec.expectNone(t, 50*time.Millisecond)
}

func TestTCPServer_AttachUnknownServer(t *testing.T) {
	f, _ := newTestFactory(t, Config{}, 1)
	_, err := f.NewTCPSocket(testLogger(t), messages.SocketParams{Host: "127.0.0.1", Port: 1, ClientID: 1}, newRecorder())
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTCPServer_CloseReleasesEverything(t *testing.T) {
	f, p := newTestFactory(t, Config{}, 1)

	srv, err := f.NewTCPServer(testLogger(t), newRecorder())
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	srv.Serve()
	port := srv.Port()

	peer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer peer.Close()
	assert.Eventually(t, func() bool { return srv.Accepted().Count() == 1 }, eventTimeout, 10*time.Millisecond)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	assert.Equal(t, 1, p.Available())
	assert.Equal(t, 0, f.servers.Len())

	_ = peer.SetReadDeadline(time.Now().Add(eventTimeout))
	_, err = peer.Read(make([]byte, 1))
	assert.Error(t, err, "accepted connections are closed with the server")

	_, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	assert.Error(t, err)
}

func TestTCPServer_PoolExhausted(t *testing.T) {
	f, p := newTestFactory(t, Config{}, 1)

	srv, err := f.NewTCPServer(testLogger(t), newRecorder())
	require.NoError(t, err)
	defer srv.Close()

	_, err = f.NewTCPServer(testLogger(t), newRecorder())
	require.ErrorIs(t, err, ErrNoAvailablePorts)
	assert.EqualError(t, err, "no available ports")
	assert.Equal(t, 1, f.servers.Len())
	assert.Equal(t, 0, p.Available())
}

func TestTCPServer_SendRejected(t *testing.T) {
	f, _ := newTestFactory(t, Config{}, 1)
	srv, err := f.NewTCPServer(testLogger(t), newRecorder())
	require.NoError(t, err)
	defer srv.Close()

	assert.ErrorIs(t, srv.Send([]byte("x")), ErrInvalidRequest)
}
