package client

import (
	"context"
	"testing"
	"time"

	"github.com/harryheman/mini-redis/internal/server"
	"github.com/harryheman/mini-redis/internal/store"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	db := store.New()
	srv := server.NewServer(db, server.WithListenAddr(":0"))

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

	return srv.Addr(), func() {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
		defer sdCancel()
		_ = srv.Shutdown(sdCtx)
		cancel()
		db.Close()
	}
}

func TestClient_SetGet(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c, err := Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.Set("foo", []byte("bar")); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := c.Get("foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(value) != "bar" {
		t.Fatalf("got (%q, %v), want (bar, true)", value, ok)
	}
}

func TestClient_GetMiss(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c, err := Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, ok, err := c.Get("missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected a miss")
	}
}

func TestClient_Ping(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c, err := Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	reply, err := c.Ping(nil)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if string(reply) != "PONG" {
		t.Fatalf("got %q, want PONG", reply)
	}

	reply, err = c.Ping([]byte("echo"))
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if string(reply) != "echo" {
		t.Fatalf("got %q, want echo", reply)
	}
}

func TestClient_SetExpires(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c, err := Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.SetExpires("k", []byte("v"), 30*time.Millisecond); err != nil {
		t.Fatalf("set_expires: %v", err)
	}
	if _, ok, _ := c.Get("k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := c.Get("k"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("key never expired")
}

func TestClient_PublishSubscribe(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	subConn, err := Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sub, err := subConn.Subscribe([]string{"chat"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if got := sub.Subscribed(); len(got) != 1 || got[0] != "chat" {
		t.Fatalf("got %v, want [chat]", got)
	}

	time.Sleep(20 * time.Millisecond)

	pubConn, err := Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pubConn.Close()

	n, err := pubConn.Publish("chat", []byte("hi"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 1 {
		t.Fatalf("got fanout %d, want 1", n)
	}

	msg, ok, err := sub.NextMessage()
	if err != nil {
		t.Fatalf("next message: %v", err)
	}
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Channel != "chat" || string(msg.Payload) != "hi" {
		t.Fatalf("got %+v", msg)
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	subConn, err := Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sub, err := subConn.Subscribe([]string{"a", "b"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := sub.Unsubscribe(nil); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := sub.Subscribed(); len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}
