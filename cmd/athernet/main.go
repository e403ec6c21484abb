// Command athernet is the CLI harness for sending, receiving and
// pinging over an Athernet node: pflag for options, an optional YAML
// config file, and a soundcard by default with an in-process loopback
// mode for demos without hardware.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/athernet-go/athernet"
	"github.com/athernet-go/athernet/config"
	"github.com/athernet-go/athernet/internal/audio"
	"github.com/athernet-go/athernet/internal/buildinfo"
	"github.com/athernet-go/athernet/internal/discovery"
	"github.com/athernet-go/athernet/internal/dlog"
	"github.com/athernet-go/athernet/internal/sessionlog"
)

func main() {
	var cfg = config.Default()
	if path := peekConfigFile(os.Args[1:]); path != "" {
		var loaded, err = config.LoadYAML(cfg, path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	pflag.StringP("config-file", "c", "", "YAML configuration file, applied before flags below.")
	var loopback = pflag.Bool("loopback", false, "Use an in-process loopback audio device instead of a soundcard.")
	var advertise = pflag.Bool("advertise", false, "Advertise this node over mDNS/DNS-SD.")
	var discoverPort = pflag.Int("control-port", 7373, "Port advertised in the mDNS announcement (informational only).")
	var verbose = pflag.BoolP("verbose", "v", false, "Enable debug logging.")
	var showVersion = pflag.Bool("version", false, "Print the version and exit.")
	config.RegisterFlags(pflag.CommandLine, &cfg)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "athernet - a CSMA/CA link layer over commodity audio hardware.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: athernet [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  send DEST FILE   send a file's contents to DEST, chunked to fit a frame\n")
		fmt.Fprintf(os.Stderr, "  recv SRC FILE    append payloads received from SRC to FILE until interrupted\n")
		fmt.Fprintf(os.Stderr, "  ping DEST        one-shot ping, prints round-trip time or times out\n")
		fmt.Fprintf(os.Stderr, "  serve            open the audio device and idle, logging traffic\n\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var logger = dlog.New(os.Stderr)
	if *verbose {
		logger.EnableDebug()
	}

	var args = pflag.Args()
	if len(args) == 0 {
		pflag.Usage()
		os.Exit(1)
	}

	var host audio.Host
	if *loopback {
		host = audio.NewLoopbackHost().Named("demo")
	} else {
		host = audio.NewPortAudioHost()
	}

	var session *sessionlog.Log
	if cfg.SessionLogEnabled {
		var log, err = sessionlog.Open(".", cfg.SessionLogPattern)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		session = log
		defer session.Close()
	}

	var node, err = athernet.Open(cfg, host, logger, session)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer node.Close()

	if *advertise {
		var a, annErr = discovery.Announce("", node.Addr(), *discoverPort)
		if annErr != nil {
			logger.Errorf(dlog.Error, "mDNS announce failed", "error", annErr)
		} else {
			defer a.Stop()
		}
	}

	var ctx, cancel = signalContext()
	defer cancel()

	switch args[0] {
	case "send":
		runSend(node, args[1:])
	case "recv":
		runRecv(ctx, node, args[1:])
	case "ping":
		runPing(node, args[1:])
	case "serve":
		runServe(ctx, node, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		pflag.Usage()
		os.Exit(1)
	}
}

// peekConfigFile scans args for -c/--config-file without requiring the
// rest of the flag set to be registered yet, so the YAML file's values
// can seed the flags' defaults before pflag.Parse runs.
func peekConfigFile(args []string) string {
	const longForm = "--config-file="
	for i, a := range args {
		switch {
		case a == "-c" || a == "--config-file":
			if i+1 < len(args) {
				return args[i+1]
			}
		case len(a) > len(longForm) && a[:len(longForm)] == longForm:
			return a[len(longForm):]
		}
	}
	return ""
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseAddr(s string) byte {
	var n, err = strconv.Atoi(s)
	if err != nil || n < 0 || n > 0xF {
		fmt.Fprintf(os.Stderr, "invalid MAC address %q (expected 0-15)\n", s)
		os.Exit(1)
	}
	return byte(n)
}

func runSend(node *athernet.Node, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: athernet send DEST FILE")
		os.Exit(1)
	}
	var dest = parseAddr(args[0])

	var f, err = os.Open(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	var chunk = make([]byte, config.MaxPayload)
	var r = bufio.NewReader(f)
	var total int
	for {
		var n, readErr = io.ReadFull(r, chunk)
		if n > 0 {
			if sendErr := node.Send(dest, chunk[:n]); sendErr != nil {
				fmt.Fprintln(os.Stderr, sendErr)
				os.Exit(1)
			}
			total += n
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			fmt.Fprintln(os.Stderr, readErr)
			os.Exit(1)
		}
	}
	fmt.Printf("sent %d bytes to %d\n", total, dest)
}

func runRecv(ctx context.Context, node *athernet.Node, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: athernet recv SRC FILE")
		os.Exit(1)
	}
	var src = parseAddr(args[0])

	var f, err = os.OpenFile(args[1], os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	for {
		var msg, recvErr = node.Recv(ctx)
		if recvErr != nil {
			return
		}
		if msg.Src != src {
			continue
		}
		if _, writeErr := f.Write(msg.Payload); writeErr != nil {
			fmt.Fprintln(os.Stderr, writeErr)
			os.Exit(1)
		}
	}
}

func runPing(node *athernet.Node, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: athernet ping DEST")
		os.Exit(1)
	}
	var dest = parseAddr(args[0])
	var rtt, ok = node.Ping(dest, 3*time.Second)
	if !ok {
		fmt.Printf("no reply from %d after %s\n", dest, rtt)
		os.Exit(1)
	}
	fmt.Printf("reply from %d in %s\n", dest, rtt)
}

func runServe(ctx context.Context, node *athernet.Node, logger *dlog.Logger) {
	logger.Info(dlog.Info, "serving", "mac_addr", node.Addr())

	go func() {
		for {
			var msg, err = node.Recv(ctx)
			if err != nil {
				return
			}
			logger.Info(dlog.Recv, "received frame", "src", msg.Src, "bytes", len(msg.Payload))
		}
	}()

	var ticker = time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(dlog.Info, "shutting down")
			return
		case <-ticker.C:
			var stats = node.Stats()
			logger.Info(dlog.Info, "throughput",
				"sent", stats.FramesSent.Load(),
				"retransmitted", stats.FramesRetransmitted.Load(),
				"duplicate", stats.FramesDuplicate.Load(),
				"bytes_delivered", stats.BytesDelivered.Load(),
				"link_errors", stats.LinkErrors.Load())
		}
	}
}
