package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/harryheman/mini-redis/internal/resp"
	"github.com/harryheman/mini-redis/internal/store"
)

func startTestServer(t *testing.T, opts ...Option) (*Server, func()) {
	t.Helper()
	db := store.New()
	srv := NewServer(db, append([]Option{WithListenAddr(":0")}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()

	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}

	return srv, func() {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
		defer sdCancel()
		_ = srv.Shutdown(sdCtx)
		cancel()
		db.Close()
	}
}

func dial(t *testing.T, addr string) *resp.Conn {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return resp.NewConn(conn)
}

func mustWrite(t *testing.T, c *resp.Conn, f resp.Frame) {
	t.Helper()
	if err := c.WriteFrame(&f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func mustRead(t *testing.T, c *resp.Conn) resp.Frame {
	t.Helper()
	f, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f == nil {
		t.Fatal("unexpected graceful close")
	}
	return *f
}

func cmdFrame(parts ...string) resp.Frame {
	items := make([]resp.Frame, len(parts))
	for i, p := range parts {
		items[i] = resp.BulkString(p)
	}
	return resp.ArrayFrame(items...)
}

func TestServer_SetGet(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	c := dial(t, srv.Addr())
	defer c.Close()

	mustWrite(t, c, cmdFrame("SET", "greeting", "hello"))
	reply := mustRead(t, c)
	if s, _ := reply.AsString(); s != "OK" {
		t.Fatalf("got %+v, want OK", reply)
	}

	mustWrite(t, c, cmdFrame("GET", "greeting"))
	reply = mustRead(t, c)
	if string(reply.Bulk) != "hello" {
		t.Fatalf("got %+v, want hello", reply)
	}
}

func TestServer_GetMiss(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	c := dial(t, srv.Addr())
	defer c.Close()

	mustWrite(t, c, cmdFrame("GET", "nope"))
	reply := mustRead(t, c)
	if reply.Kind != resp.KindNull {
		t.Fatalf("got %+v, want null", reply)
	}
}

func TestServer_Ping(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	c := dial(t, srv.Addr())
	defer c.Close()

	mustWrite(t, c, cmdFrame("PING"))
	reply := mustRead(t, c)
	if s, _ := reply.AsString(); s != "PONG" {
		t.Fatalf("got %+v, want PONG", reply)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	c := dial(t, srv.Addr())
	defer c.Close()

	mustWrite(t, c, cmdFrame("FROBNICATE"))
	reply := mustRead(t, c)
	if reply.Kind != resp.KindError {
		t.Fatalf("got %+v, want error", reply)
	}
}

func TestServer_ProtocolErrorClosesConnectionWithoutReply(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	c := dial(t, srv.Addr())
	defer c.Close()

	// A top-level frame that isn't an Array is a protocol error: FromFrame
	// fails before any command is identified, so the connection is closed
	// silently rather than answered with an error frame.
	bad := resp.BulkString("not a command array")
	mustWrite(t, c, bad)

	_ = c.SetDeadline(time.Now().Add(time.Second))
	frame, err := c.ReadFrame()
	if err == nil && frame != nil {
		t.Fatalf("expected connection to close without a reply, got %+v", frame)
	}
}

func TestServer_PubSub(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	sub := dial(t, srv.Addr())
	defer sub.Close()

	mustWrite(t, sub, cmdFrame("SUBSCRIBE", "news"))
	ack := mustRead(t, sub)
	if ack.Kind != resp.KindArray || len(ack.Array) != 3 {
		t.Fatalf("got %+v, want subscribe ack", ack)
	}
	if s, _ := ack.Array[0].AsString(); s != "subscribe" {
		t.Fatalf("got %+v", ack)
	}

	// The ack is written only after the subscription is registered with the
	// channel, so the PUBLISH below already counts it; the pause is slack.
	time.Sleep(20 * time.Millisecond)

	pub := dial(t, srv.Addr())
	defer pub.Close()
	mustWrite(t, pub, cmdFrame("PUBLISH", "news", "hello subscribers"))
	pubReply := mustRead(t, pub)
	if pubReply.Int != 1 {
		t.Fatalf("got fanout %d, want 1", pubReply.Int)
	}

	msg := mustRead(t, sub)
	if msg.Kind != resp.KindArray || len(msg.Array) != 3 {
		t.Fatalf("got %+v, want message frame", msg)
	}
	if s, _ := msg.Array[0].AsString(); s != "message" {
		t.Fatalf("got %+v", msg)
	}
	if s, _ := msg.Array[1].AsString(); s != "news" {
		t.Fatalf("got %+v", msg)
	}
	if string(msg.Array[2].Bulk) != "hello subscribers" {
		t.Fatalf("got %+v", msg)
	}
}

func TestServer_SubscribedModeRejectsOtherCommands(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	c := dial(t, srv.Addr())
	defer c.Close()

	mustWrite(t, c, cmdFrame("SUBSCRIBE", "chat"))
	_ = mustRead(t, c) // ack

	mustWrite(t, c, cmdFrame("GET", "key"))
	reply := mustRead(t, c)
	if reply.Kind != resp.KindError {
		t.Fatalf("got %+v, want error for GET while subscribed", reply)
	}
}

func TestServer_UnsubscribeDynamically(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	c := dial(t, srv.Addr())
	defer c.Close()

	mustWrite(t, c, cmdFrame("SUBSCRIBE", "a", "b"))
	_ = mustRead(t, c)
	_ = mustRead(t, c)

	mustWrite(t, c, cmdFrame("UNSUBSCRIBE"))
	u1 := mustRead(t, c)
	u2 := mustRead(t, c)
	if u1.Array[2].Int != 1 && u2.Array[2].Int != 1 {
		t.Fatalf("expected one of the unsubscribe acks to report 1 remaining, got %+v and %+v", u1, u2)
	}
	if u1.Array[2].Int != 0 && u2.Array[2].Int != 0 {
		t.Fatalf("expected one unsubscribe ack to report 0 remaining, got %+v and %+v", u1, u2)
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv, stop := startTestServer(t)

	c := dial(t, srv.Addr())
	defer c.Close()
	mustWrite(t, c, cmdFrame("PING"))
	_ = mustRead(t, c)

	stop()

	_ = c.SetDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := c.ReadFrame(); err == nil {
		t.Fatal("expected read to fail after shutdown")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	srv, stop := startTestServer(t, WithMaxConnections(1))
	defer stop()

	c1 := dial(t, srv.Addr())
	defer c1.Close()
	mustWrite(t, c1, cmdFrame("PING"))
	_ = mustRead(t, c1)

	d := net.Dialer{Timeout: 200 * time.Millisecond}
	conn2, err := d.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	c2 := resp.NewConn(conn2)
	mustWrite(t, c2, cmdFrame("PING"))

	_ = conn2.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, err := c2.ReadFrame(); err == nil {
		t.Fatal("expected second connection to stay queued behind admission control, not get a PONG")
	}
}
