package command

import (
	"github.com/harryheman/mini-redis/internal/resp"
)

// Subscribe enters subscribed mode on one or more channels. Once a
// connection has gone through Subscribe, the server restricts it to
// SUBSCRIBE and UNSUBSCRIBE until it disconnects; any other command,
// PING included, is answered as Unknown.
type Subscribe struct {
	Channels []string
}

func (Subscribe) Name() string { return "subscribe" }

func parseSubscribe(p *resp.Parse) (Subscribe, error) {
	first, err := p.NextString()
	if err != nil {
		return Subscribe{}, err
	}
	channels := []string{first}
	for {
		ch, err := p.NextString()
		if err == resp.ErrEndOfStream {
			break
		}
		if err != nil {
			return Subscribe{}, err
		}
		channels = append(channels, ch)
	}
	return Subscribe{Channels: channels}, nil
}

// IntoFrame encodes the command the way a client would send it.
func (c Subscribe) IntoFrame() resp.Frame {
	frame := resp.NewArray()
	frame.PushBulk([]byte("subscribe"))
	for _, ch := range c.Channels {
		frame.PushBulk([]byte(ch))
	}
	return frame
}

// Unsubscribe leaves one or more channels. An empty Channels list means
// "leave every channel currently subscribed to" and is never a protocol
// error, even when the subscription set is empty: the connection's
// subscribed-mode loop, the only place that knows the current subscription
// set, then sends no acknowledgements. A connection that is not in
// subscribed mode answers any UNSUBSCRIBE with an error frame.
type Unsubscribe struct {
	Channels []string
}

func (Unsubscribe) Name() string { return "unsubscribe" }

func parseUnsubscribe(p *resp.Parse) (Unsubscribe, error) {
	var channels []string
	for {
		ch, err := p.NextString()
		if err == resp.ErrEndOfStream {
			break
		}
		if err != nil {
			return Unsubscribe{}, err
		}
		channels = append(channels, ch)
	}
	return Unsubscribe{Channels: channels}, nil
}

// IntoFrame encodes the command the way a client would send it.
func (c Unsubscribe) IntoFrame() resp.Frame {
	frame := resp.NewArray()
	frame.PushBulk([]byte("unsubscribe"))
	for _, ch := range c.Channels {
		frame.PushBulk([]byte(ch))
	}
	return frame
}

// MakeSubscribeAck builds the acknowledgement frame sent to a client after
// it subscribes to channel, reporting how many channels it is now
// subscribed to in total.
func MakeSubscribeAck(channel string, subscribedCount int) resp.Frame {
	return resp.ArrayFrame(
		resp.BulkString("subscribe"),
		resp.BulkString(channel),
		resp.Integer(uint64(subscribedCount)),
	)
}

// MakeUnsubscribeAck builds the acknowledgement frame sent after leaving
// channel.
func MakeUnsubscribeAck(channel string, subscribedCount int) resp.Frame {
	return resp.ArrayFrame(
		resp.BulkString("unsubscribe"),
		resp.BulkString(channel),
		resp.Integer(uint64(subscribedCount)),
	)
}

// MakeMessageFrame builds the frame delivered to a subscriber when a
// message is published on one of its channels.
func MakeMessageFrame(channel string, payload []byte) resp.Frame {
	return resp.ArrayFrame(
		resp.BulkString("message"),
		resp.BulkString(channel),
		resp.BulkFrame(payload),
	)
}
