package server

import (
	"log/slog"
	"sync"

	"github.com/harryheman/mini-redis/internal/broadcast"
	"github.com/harryheman/mini-redis/internal/command"
	"github.com/harryheman/mini-redis/internal/metrics"
	"github.com/harryheman/mini-redis/internal/resp"
	"github.com/harryheman/mini-redis/internal/shutdownsig"
)

// connHandler drives a single client connection: a normal-mode loop reading
// one command per frame, until a SUBSCRIBE command switches it into
// subscribed mode for the rest of the connection's life.
type connHandler struct {
	conn     *resp.Conn
	db       Database
	shutdown *shutdownsig.Signal
	logger   *slog.Logger
}

func (h *connHandler) run() {
	for {
		frame, err := h.conn.ReadFrame()
		if err != nil {
			h.logger.Warn("conn_read_error", "error", err)
			metrics.IncError(metrics.ErrConnRead)
			return
		}
		if frame == nil {
			return // peer closed the connection gracefully
		}

		cmd, err := command.FromFrame(*frame)
		if err != nil {
			metrics.IncProtocolError()
			h.logger.Warn("protocol_error", "error", err)
			return
		}

		metrics.IncCommand(cmd.Name())

		switch c := cmd.(type) {
		case command.Get:
			out := c.Apply(h.db)
			if err := h.conn.WriteFrame(&out); err != nil {
				return
			}
		case command.Set:
			out := c.Apply(h.db)
			if err := h.conn.WriteFrame(&out); err != nil {
				return
			}
		case command.Publish:
			n := h.db.Publish(c.Channel, c.Message)
			metrics.SetPubSubFanout(n)
			out := resp.Integer(uint64(n))
			if err := h.conn.WriteFrame(&out); err != nil {
				return
			}
		case command.Ping:
			out := c.Apply()
			if err := h.conn.WriteFrame(&out); err != nil {
				return
			}
		case command.Subscribe:
			h.runSubscribed(c)
			return
		case command.Unsubscribe:
			// UNSUBSCRIBE outside of subscribed mode has no subscription set
			// to operate on.
			errFrame := resp.ErrorFrame("ERR UNSUBSCRIBE is only valid once subscribed to a channel")
			if err := h.conn.WriteFrame(&errFrame); err != nil {
				return
			}
		case command.Unknown:
			out := c.Apply()
			if err := h.conn.WriteFrame(&out); err != nil {
				return
			}
		}
	}
}

// subMessage tags a broadcast.Message with the channel it arrived on, since
// the fan-in goroutines share one incoming channel across every
// subscription.
type subMessage struct {
	channel string
	msg     broadcast.Message
}

// frameResult carries the outcome of one ReadFrame call across the
// goroutine boundary into runSubscribed's select loop.
type frameResult struct {
	frame *resp.Frame
	err   error
}

// runSubscribed implements the entry point a SUBSCRIBE command hands control
// to: a loop that waits on messages from every subscribed channel, new
// frames from the client, and the shutdown signal, until the client
// disconnects or the server shuts down. Only SUBSCRIBE and UNSUBSCRIBE are
// accepted from the client in this mode; every other command is answered
// exactly as Unknown would answer it, mirroring how the reference protocol
// restricts a subscribed connection.
func (h *connHandler) runSubscribed(initial command.Subscribe) {
	subs := make(map[string]*broadcast.Subscription)
	incoming := make(chan subMessage, 64)
	done := make(chan struct{})
	var fanIn sync.WaitGroup

	defer func() {
		close(done)
		for _, sub := range subs {
			sub.Close()
		}
		fanIn.Wait()
	}()

	addChannel := func(channel string) error {
		if _, exists := subs[channel]; exists {
			return nil
		}
		sub := h.db.Subscribe(channel)
		subs[channel] = sub

		fanIn.Add(1)
		go func(name string, sub *broadcast.Subscription) {
			defer fanIn.Done()
			for msg := range sub.Messages {
				select {
				case incoming <- subMessage{channel: name, msg: msg}:
				case <-done:
					return
				}
			}
		}(channel, sub)

		ack := command.MakeSubscribeAck(channel, len(subs))
		return h.conn.WriteFrame(&ack)
	}

	removeChannel := func(channel string) error {
		if sub, ok := subs[channel]; ok {
			sub.Close()
			delete(subs, channel)
		}
		ack := command.MakeUnsubscribeAck(channel, len(subs))
		return h.conn.WriteFrame(&ack)
	}

	for _, channel := range initial.Channels {
		if err := addChannel(channel); err != nil {
			return
		}
	}

	clientFrames := make(chan frameResult, 1)
	go h.pumpClientFrames(clientFrames, done)

	for {
		select {
		case m := <-incoming:
			if m.msg.Lag != nil {
				metrics.IncPubSubLagged()
				continue
			}
			frame := command.MakeMessageFrame(m.channel, m.msg.Payload)
			if err := h.conn.WriteFrame(&frame); err != nil {
				return
			}

		case fr := <-clientFrames:
			if fr.err != nil {
				h.logger.Warn("conn_read_error", "error", fr.err)
				metrics.IncError(metrics.ErrConnRead)
				return
			}
			if fr.frame == nil {
				return // client disconnected gracefully
			}

			cmd, err := command.FromFrame(*fr.frame)
			if err != nil {
				metrics.IncProtocolError()
				h.logger.Warn("protocol_error", "error", err)
				return
			}

			switch c := cmd.(type) {
			case command.Subscribe:
				metrics.IncCommand(c.Name())
				for _, channel := range c.Channels {
					if err := addChannel(channel); err != nil {
						return
					}
				}
			case command.Unsubscribe:
				metrics.IncCommand(c.Name())
				channels := c.Channels
				if len(channels) == 0 {
					channels = make([]string, 0, len(subs))
					for channel := range subs {
						channels = append(channels, channel)
					}
				}
				for _, channel := range channels {
					if err := removeChannel(channel); err != nil {
						return
					}
				}
			default:
				// Everything else, including PING and GET, is rejected in
				// subscribed mode the same way an unrecognized command name
				// would be.
				unknown := command.Unknown{CommandName: cmd.Name()}
				metrics.IncCommand(unknown.Name())
				out := unknown.Apply()
				if err := h.conn.WriteFrame(&out); err != nil {
					return
				}
			}

		case <-h.shutdown.Done():
			return
		}
	}
}

// pumpClientFrames reads frames off the connection and forwards them to out,
// stopping once done is closed. It never blocks forever on a full out: the
// caller keeps out drained by servicing exactly one frame per select
// iteration before looping back here.
func (h *connHandler) pumpClientFrames(out chan<- frameResult, done <-chan struct{}) {
	for {
		frame, err := h.conn.ReadFrame()
		select {
		case out <- frameResult{frame: frame, err: err}:
		case <-done:
			return
		}
		if err != nil || frame == nil {
			return
		}
	}
}
