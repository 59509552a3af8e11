package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-chat/pkg/network"
)

var (
	addr    = flag.String("addr", "127.0.0.1:9000", "Chat server address")
	timeout = flag.Duration("timeout", 10*time.Second, "Request timeout")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: chatctl [flags] <command> [args]

commands:
  create NAME                    create an account
  login NAME                     log in and report unread mail
  delete NAME                    delete an account
  list [PATTERN]                 list accounts fully matching PATTERN (default .*)
  send SENDER RECEIVER BODY...   send a message
  pull NAME                      log in as NAME and print unread messages

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		var reqErr *network.RequestError
		if errors.As(err, &reqErr) {
			fmt.Fprintf(os.Stderr, "failed: %s\n", reqErr.Reason)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	need := map[string]int{"create": 1, "login": 1, "delete": 1, "list": 0, "send": 3, "pull": 1}
	n, ok := need[cmd]
	if !ok {
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(args) < n {
		return fmt.Errorf("%s needs %d argument(s)", cmd, n)
	}

	c, err := network.Dial(ctx, *addr, zerolog.Nop())
	if err != nil {
		return err
	}
	defer c.EndSession(ctx)

	switch cmd {
	case "create":
		if err := c.CreateAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("created %s\n", args[0])

	case "login":
		unread, err := c.Login(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s, unread messages: %t\n", args[0], unread)

	case "delete":
		if err := c.DeleteAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])

	case "list":
		pattern := ".*"
		if len(args) > 0 {
			pattern = args[0]
		}
		names, err := c.ListAccounts(ctx, pattern)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}

	case "send":
		body := strings.Join(args[2:], " ")
		if err := c.SendMessage(ctx, args[0], args[1], body); err != nil {
			return err
		}
		fmt.Println("sent")

	case "pull":
		if _, err := c.Login(ctx, args[0]); err != nil {
			return err
		}
		msgs, err := c.PullMessages(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("%s -> %s: %s\n", m.Sender, m.Receiver, m.Body)
		}
		if len(msgs) == 0 {
			fmt.Println("no unread messages")
		}
	}
	return nil
}
