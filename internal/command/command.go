// Package command implements the parsing and application of every request
// this server understands: GET, SET, PUBLISH, SUBSCRIBE, UNSUBSCRIBE, PING,
// and the catch-all Unknown used to answer anything else.
package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/harryheman/mini-redis/internal/resp"
)

// Command is implemented by every parsed request. Name identifies the
// command for logging and metrics regardless of which concrete type it is.
type Command interface {
	Name() string
}

// FromFrame parses frame (which must be an Array of command name followed
// by arguments) into a Command. An unrecognized command name is not a
// parse error: it yields an Unknown command so the connection can reply
// with a proper protocol error instead of being dropped.
func FromFrame(frame resp.Frame) (Command, error) {
	parse, err := resp.NewParse(frame)
	if err != nil {
		return nil, err
	}

	name, err := parse.NextString()
	if err != nil {
		return nil, err
	}
	name = strings.ToLower(name)

	var cmd Command
	switch name {
	case "get":
		cmd, err = parseGet(parse)
	case "set":
		cmd, err = parseSet(parse)
	case "publish":
		cmd, err = parsePublish(parse)
	case "subscribe":
		cmd, err = parseSubscribe(parse)
	case "unsubscribe":
		cmd, err = parseUnsubscribe(parse)
	case "ping":
		cmd, err = parsePing(parse)
	default:
		return Unknown{CommandName: name}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := parse.Finish(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Getter is the subset of the store used by Get.Apply.
type Getter interface {
	Get(key string) ([]byte, bool)
}

// Setter is the subset of the store used by Set.Apply. A negative ttl means
// the key never expires; a ttl of 0 or more schedules expiry at now+ttl.
type Setter interface {
	Set(key string, value []byte, ttl time.Duration)
}

// Publisher is the subset of the store used by Publish.Apply.
type Publisher interface {
	Publish(channel string, payload []byte) int
}

// Get retrieves the value stored at Key, or Null if it was never set or
// has expired.
type Get struct {
	Key string
}

func (Get) Name() string { return "get" }

func parseGet(p *resp.Parse) (Get, error) {
	key, err := p.NextString()
	if err != nil {
		return Get{}, err
	}
	return Get{Key: key}, nil
}

// Apply looks key up in db and returns the frame to send back to the
// client: a Bulk frame on a hit, Null on a miss.
func (c Get) Apply(db Getter) resp.Frame {
	if value, ok := db.Get(c.Key); ok {
		return resp.BulkFrame(value)
	}
	return resp.NullFrame()
}

// IntoFrame encodes the command the way a client would send it.
func (c Get) IntoFrame() resp.Frame {
	return resp.ArrayFrame(resp.BulkString("get"), resp.BulkString(c.Key))
}

// Set stores Value at Key. Expire is negative when the command carried no
// EX/PX clause, meaning the key never expires. A present-but-zero clause
// (EX 0 or PX 0) is not "never": Expire is 0 and the key is scheduled to
// expire immediately, the same as any other non-negative Expire. Any
// previous TTL on Key is discarded regardless of whether this Set specifies
// a new one.
type Set struct {
	Key    string
	Value  []byte
	Expire time.Duration
}

// NoExpire is the sentinel Expire value meaning "no EX/PX clause was given".
const NoExpire time.Duration = -1

func (Set) Name() string { return "set" }

func parseSet(p *resp.Parse) (Set, error) {
	key, err := p.NextString()
	if err != nil {
		return Set{}, err
	}
	value, err := p.NextBytes()
	if err != nil {
		return Set{}, err
	}

	expire := NoExpire
	opt, err := p.NextString()
	switch {
	case err == nil && strings.EqualFold(opt, "ex"):
		secs, ierr := p.NextInt()
		if ierr != nil {
			return Set{}, ierr
		}
		expire = time.Duration(secs) * time.Second
	case err == nil && strings.EqualFold(opt, "px"):
		ms, ierr := p.NextInt()
		if ierr != nil {
			return Set{}, ierr
		}
		expire = time.Duration(ms) * time.Millisecond
	case err == nil:
		return Set{}, fmt.Errorf("%w: SET only supports the expiration option", resp.ErrProtocol)
	case err == resp.ErrEndOfStream:
		// No expiration clause supplied; that's fine.
	default:
		return Set{}, err
	}

	return Set{Key: key, Value: value, Expire: expire}, nil
}

// Apply stores the command's key/value/expiration in db and returns the
// OK acknowledgement frame.
func (c Set) Apply(db Setter) resp.Frame {
	db.Set(c.Key, c.Value, c.Expire)
	return resp.Simple("OK")
}

// IntoFrame encodes the command the way a client would send it, preferring
// PX over EX for millisecond precision.
func (c Set) IntoFrame() resp.Frame {
	frame := resp.NewArray()
	frame.PushBulk([]byte("set"))
	frame.PushBulk([]byte(c.Key))
	frame.PushBulk(c.Value)
	if c.Expire >= 0 {
		frame.PushBulk([]byte("px"))
		frame.PushInt(uint64(c.Expire.Milliseconds()))
	}
	return frame
}

// Publish sends Message to every subscriber of Channel. Channel names share
// no namespace with stored keys.
type Publish struct {
	Channel string
	Message []byte
}

func (Publish) Name() string { return "publish" }

func parsePublish(p *resp.Parse) (Publish, error) {
	channel, err := p.NextString()
	if err != nil {
		return Publish{}, err
	}
	message, err := p.NextBytes()
	if err != nil {
		return Publish{}, err
	}
	return Publish{Channel: channel, Message: message}, nil
}

// Apply publishes the message and returns the subscriber count as an
// Integer frame. The count is a hint: subscribers may disconnect between
// the publish and the client reading this response.
func (c Publish) Apply(db Publisher) resp.Frame {
	n := db.Publish(c.Channel, c.Message)
	return resp.Integer(uint64(n))
}

// IntoFrame encodes the command the way a client would send it.
func (c Publish) IntoFrame() resp.Frame {
	return resp.ArrayFrame(resp.BulkString("publish"), resp.BulkString(c.Channel), resp.BulkFrame(c.Message))
}

// Ping returns PONG, or echoes Msg back as a Bulk frame when the client
// supplied one.
type Ping struct {
	Msg    []byte
	HasMsg bool
}

func (Ping) Name() string { return "ping" }

func parsePing(p *resp.Parse) (Ping, error) {
	msg, err := p.NextBytes()
	switch err {
	case nil:
		return Ping{Msg: msg, HasMsg: true}, nil
	case resp.ErrEndOfStream:
		return Ping{}, nil
	default:
		return Ping{}, err
	}
}

// Apply returns the PONG or echo frame; Ping never touches the database.
func (c Ping) Apply() resp.Frame {
	if !c.HasMsg {
		return resp.Simple("PONG")
	}
	return resp.BulkFrame(c.Msg)
}

// IntoFrame encodes the command the way a client would send it.
func (c Ping) IntoFrame() resp.Frame {
	frame := resp.NewArray()
	frame.PushBulk([]byte("ping"))
	if c.HasMsg {
		frame.PushBulk(c.Msg)
	}
	return frame
}

// Unknown answers any command name this server does not implement with a
// protocol-level error instead of dropping the connection.
type Unknown struct {
	CommandName string
}

func (c Unknown) Name() string { return c.CommandName }

// Apply always returns an error frame naming the offending command.
func (c Unknown) Apply() resp.Frame {
	return resp.ErrorFrame(fmt.Sprintf("ERR unknown command '%s'", c.CommandName))
}
