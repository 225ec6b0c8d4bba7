package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/harryheman/mini-redis/internal/client"
)

func usage() {
	fmt.Fprintf(os.Stderr, `miniredis-cli: run a single command against a server

Usage:
  miniredis-cli [-host HOST] [-port PORT] <command> [args...]

Commands:
  ping [message]
  get <key>
  set <key> <value> [expires-ms]
  publish <channel> <message>
  subscribe <channel> [channel ...]
`)
}

func main() {
	host := flag.String("host", "127.0.0.1", "server hostname")
	port := flag.Int("port", 6379, "server port")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	c, err := client.Connect(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := run(c, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "ping":
		var msg []byte
		if len(args) > 0 {
			msg = []byte(args[0])
		}
		value, err := c.Ping(msg)
		if err != nil {
			return err
		}
		printValue(value)
		return nil

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		value, ok, err := c.Get(args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(nil)")
			return nil
		}
		printValue(value)
		return nil

	case "set":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: set <key> <value> [expires-ms]")
		}
		if len(args) == 3 {
			ms, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid expires-ms: %w", err)
			}
			if err := c.SetExpires(args[0], []byte(args[1]), time.Duration(ms)*time.Millisecond); err != nil {
				return err
			}
		} else {
			if err := c.Set(args[0], []byte(args[1])); err != nil {
				return err
			}
		}
		fmt.Println("OK")
		return nil

	case "publish":
		if len(args) != 2 {
			return fmt.Errorf("usage: publish <channel> <message>")
		}
		n, err := c.Publish(args[0], []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("Publish OK, %d subscriber(s)\n", n)
		return nil

	case "subscribe":
		if len(args) == 0 {
			return fmt.Errorf("at least one channel must be provided")
		}
		sub, err := c.Subscribe(args)
		if err != nil {
			return err
		}
		defer sub.Close()
		for {
			msg, ok, err := sub.NextMessage()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			fmt.Printf("received message %q from channel %s\n", msg.Payload, msg.Channel)
		}

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printValue(v []byte) {
	fmt.Printf("%q\n", string(v))
}
