package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/omnichat/internal/api"
	"github.com/matheus3301/omnichat/internal/lock"
	"github.com/matheus3301/omnichat/internal/profile"
)

func main() {
	profileFlag := pflag.StringP("profile", "p", "", "profile name (overrides config default)")
	outputFlag := pflag.StringP("output", "o", "text", "output format: text, json or yaml")
	timeoutFlag := pflag.Duration("timeout", 30*time.Second, "per-call timeout")
	pflag.Usage = func() { printUsage(os.Stderr) }
	pflag.Parse()

	layout, err := profile.Select(*profileFlag, "")
	if err != nil {
		fatalf("%v", err)
	}
	format, err := parseFormat(*outputFlag)
	if err != nil {
		fatalf("%v", err)
	}

	args := pflag.Args()
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	c, err := api.Dial(layout.Socket())
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", layout.Name, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := watch(ctx, c, args[1:], format, os.Stdout); err != nil && ctx.Err() == nil {
			fail(layout, err)
		}
		return
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage(os.Stderr)
		os.Exit(2)
	}
	req, err := cmd.request(args[1:])
	if err != nil {
		fatalf("%v\nusage: omnictl %s %s", err, args[0], cmd.usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()
	out, err := c.Call(ctx, cmd.method, req)
	if err != nil {
		fail(layout, err)
	}
	if err := render(os.Stdout, format, cmd.text, out.AsMap()); err != nil {
		fatalf("%v", err)
	}
}

// fail explains an RPC error. An unreachable daemon is diagnosed through
// the profile lock.
func fail(l profile.Layout, err error) {
	if status.Code(err) == codes.Unavailable {
		if held, ok := lock.Holder(l.Dir); ok {
			fatalf("daemon for profile %q (pid %d) is not answering on %s", l.Name, held.PID, l.Socket())
		}
		fatalf("daemon for profile %q is not running; start it with: omnid --profile %s", l.Name, l.Name)
	}
	if st, ok := status.FromError(err); ok {
		fatalf("%s: %s", st.Code(), st.Message())
	}
	fatalf("%v", err)
}

func watch(ctx context.Context, c *api.Client, args []string, format outputFormat, w io.Writer) error {
	var namespace, providerID string
	if len(args) > 0 {
		namespace = args[0]
	}
	if len(args) > 1 {
		providerID = args[1]
	}
	stream, err := c.Watch(ctx, namespace, providerID)
	if err != nil {
		return err
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := render(w, format, textEvent, evt.AsMap()); err != nil {
			return err
		}
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: omnictl [--profile <name>] [--output text|json|yaml] <command> [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	for _, name := range commandNames() {
		fmt.Fprintf(w, "  %-14s %s\n", name, commands[name].usage)
	}
	fmt.Fprintf(w, "  %-14s %s\n", "watch", "[namespace] [provider]")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
