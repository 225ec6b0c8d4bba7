// Package client implements a minimal client for the server in this
// module: a single connection decorated with methods for every command the
// server understands, plus a Subscriber for pub/sub mode.
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/harryheman/mini-redis/internal/resp"
)

// Client wraps one TCP connection to the server. It is not safe for
// concurrent use by multiple goroutines.
type Client struct {
	conn *resp.Conn
}

// Connect dials addr and wraps the connection for frame-level I/O.
func Connect(addr string) (*Client, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return &Client{conn: resp.NewConn(nc)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// readResponse reads one frame and turns an Error frame into a Go error,
// matching how a client should never see a raw error frame as success.
func (c *Client) readResponse() (resp.Frame, error) {
	frame, err := c.conn.ReadFrame()
	if err != nil {
		return resp.Frame{}, err
	}
	if frame == nil {
		return resp.Frame{}, errors.New("client: connection reset by peer")
	}
	if frame.Kind == resp.KindError {
		return resp.Frame{}, errors.New(frame.Str)
	}
	return *frame, nil
}

// Ping pings the server. An empty msg asks for the default "PONG" reply;
// otherwise the server echoes msg back.
func (c *Client) Ping(msg []byte) ([]byte, error) {
	frame := resp.NewArray()
	frame.PushBulk([]byte("ping"))
	if len(msg) > 0 {
		frame.PushBulk(msg)
	}
	if err := c.conn.WriteFrame(&frame); err != nil {
		return nil, err
	}
	reply, err := c.readResponse()
	if err != nil {
		return nil, err
	}
	switch reply.Kind {
	case resp.KindSimple:
		return []byte(reply.Str), nil
	case resp.KindBulk:
		return reply.Bulk, nil
	default:
		return nil, fmt.Errorf("client: unexpected PING reply kind %q", byte(reply.Kind))
	}
}

// Get retrieves the value stored at key. ok is false on a miss.
func (c *Client) Get(key string) (value []byte, ok bool, err error) {
	frame := resp.ArrayFrame(resp.BulkString("get"), resp.BulkString(key))
	if err := c.conn.WriteFrame(&frame); err != nil {
		return nil, false, err
	}
	reply, err := c.readResponse()
	if err != nil {
		return nil, false, err
	}
	switch reply.Kind {
	case resp.KindBulk:
		return reply.Bulk, true, nil
	case resp.KindSimple:
		return []byte(reply.Str), true, nil
	case resp.KindNull:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("client: unexpected GET reply kind %q", byte(reply.Kind))
	}
}

// Set stores value at key with no expiration.
func (c *Client) Set(key string, value []byte) error {
	return c.SetExpires(key, value, -1)
}

// SetExpires stores value at key. A negative ttl sends no PX clause, so the
// key never expires. A ttl of 0 or more sends PX ttl, which the server
// schedules for immediate eviction when ttl is exactly 0.
func (c *Client) SetExpires(key string, value []byte, ttl time.Duration) error {
	frame := resp.NewArray()
	frame.PushBulk([]byte("set"))
	frame.PushBulk([]byte(key))
	frame.PushBulk(value)
	if ttl >= 0 {
		frame.PushBulk([]byte("px"))
		frame.PushInt(uint64(ttl.Milliseconds()))
	}
	if err := c.conn.WriteFrame(&frame); err != nil {
		return err
	}
	reply, err := c.readResponse()
	if err != nil {
		return err
	}
	if s, ok := reply.AsString(); !ok || s != "OK" {
		return fmt.Errorf("client: unexpected SET reply %+v", reply)
	}
	return nil
}

// Publish sends message to channel and returns the subscriber count
// observed by the server at publish time.
func (c *Client) Publish(channel string, message []byte) (uint64, error) {
	frame := resp.ArrayFrame(resp.BulkString("publish"), resp.BulkString(channel), resp.BulkFrame(message))
	if err := c.conn.WriteFrame(&frame); err != nil {
		return 0, err
	}
	reply, err := c.readResponse()
	if err != nil {
		return 0, err
	}
	if reply.Kind != resp.KindInteger {
		return 0, fmt.Errorf("client: unexpected PUBLISH reply %+v", reply)
	}
	return reply.Int, nil
}

// Subscribe sends a SUBSCRIBE for channels, consumes the server's per-
// channel acknowledgements, and returns a Subscriber that now owns the
// connection: after this call the Client must not be used again directly.
func (c *Client) Subscribe(channels []string) (*Subscriber, error) {
	if err := c.subscribeCmd(channels); err != nil {
		return nil, err
	}
	return &Subscriber{client: c, subscribed: append([]string(nil), channels...)}, nil
}

func (c *Client) subscribeCmd(channels []string) error {
	frame := resp.NewArray()
	frame.PushBulk([]byte("subscribe"))
	for _, ch := range channels {
		frame.PushBulk([]byte(ch))
	}
	if err := c.conn.WriteFrame(&frame); err != nil {
		return err
	}
	for _, ch := range channels {
		reply, err := c.readResponse()
		if err != nil {
			return err
		}
		if !isSubscribeAck(reply, "subscribe", ch) {
			return fmt.Errorf("client: unexpected subscribe ack %+v", reply)
		}
	}
	return nil
}

func isSubscribeAck(f resp.Frame, kind, channel string) bool {
	if f.Kind != resp.KindArray || len(f.Array) < 2 {
		return false
	}
	gotKind, _ := f.Array[0].AsString()
	gotChannel, _ := f.Array[1].AsString()
	return gotKind == kind && gotChannel == channel
}

// Message is one value delivered to a Subscriber on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscriber is a Client that has entered subscribed mode. Only
// subscribe-related operations are available on it.
type Subscriber struct {
	client     *Client
	subscribed []string
}

// Subscribed returns the channels this Subscriber is currently subscribed
// to.
func (s *Subscriber) Subscribed() []string { return append([]string(nil), s.subscribed...) }

// Close closes the underlying connection.
func (s *Subscriber) Close() error { return s.client.Close() }

// NextMessage blocks for the next published message. ok is false once the
// server closes the connection.
func (s *Subscriber) NextMessage() (msg Message, ok bool, err error) {
	frame, err := s.client.conn.ReadFrame()
	if err != nil {
		return Message{}, false, err
	}
	if frame == nil {
		return Message{}, false, nil
	}
	if frame.Kind != resp.KindArray || len(frame.Array) != 3 {
		return Message{}, false, fmt.Errorf("client: unexpected message frame %+v", *frame)
	}
	kind, _ := frame.Array[0].AsString()
	if kind != "message" {
		return Message{}, false, fmt.Errorf("client: unexpected frame kind %q while subscribed", kind)
	}
	channel, _ := frame.Array[1].AsString()
	return Message{Channel: channel, Payload: frame.Array[2].Bulk}, true, nil
}

// Subscribe adds channels to the set this Subscriber listens on.
func (s *Subscriber) Subscribe(channels []string) error {
	if err := s.client.subscribeCmd(channels); err != nil {
		return err
	}
	s.subscribed = append(s.subscribed, channels...)
	return nil
}

// Unsubscribe leaves channels, or every subscribed channel when channels is
// empty.
func (s *Subscriber) Unsubscribe(channels []string) error {
	frame := resp.NewArray()
	frame.PushBulk([]byte("unsubscribe"))
	for _, ch := range channels {
		frame.PushBulk([]byte(ch))
	}
	if err := s.client.conn.WriteFrame(&frame); err != nil {
		return err
	}

	want := len(channels)
	if want == 0 {
		want = len(s.subscribed)
	}
	for i := 0; i < want; i++ {
		reply, err := s.client.readResponse()
		if err != nil {
			return err
		}
		if reply.Kind != resp.KindArray || len(reply.Array) < 2 {
			return fmt.Errorf("client: unexpected unsubscribe ack %+v", reply)
		}
		name, _ := reply.Array[0].AsString()
		if name != "unsubscribe" {
			return fmt.Errorf("client: unexpected unsubscribe ack %+v", reply)
		}
		channel, _ := reply.Array[1].AsString()
		s.removeSubscribed(channel)
	}
	return nil
}

func (s *Subscriber) removeSubscribed(channel string) {
	for i, ch := range s.subscribed {
		if ch == channel {
			s.subscribed = append(s.subscribed[:i], s.subscribed[i+1:]...)
			return
		}
	}
}
