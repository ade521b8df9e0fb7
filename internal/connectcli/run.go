// Package connectcli implements the offer and answer subcommands: an
// out-of-band bundle exchange over stdin/stdout followed by a probe run
// on the established channel.
package connectcli

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/peerprobehq/peerprobe/internal/config"
	"github.com/peerprobehq/peerprobe/internal/logging"
	"github.com/peerprobehq/peerprobe/internal/probe"
	"github.com/peerprobehq/peerprobe/internal/runtime"
	"github.com/peerprobehq/peerprobe/internal/transport"
	"github.com/peerprobehq/peerprobe/pkg/types"
)

const (
	RoleOffer  = "offer"
	RoleAnswer = "answer"
)

// pollInterval paces the channel-open and run-completion waits.
const pollInterval = 50 * time.Millisecond

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Logger *log.Logger
	Stdout io.Writer
	Stdin  io.Reader

	// RuntimeOptions are appended to the options Run builds itself,
	// so tests can inject a memory transport and silence the status
	// server.
	RuntimeOptions []runtime.Option
}

// Run executes one connect session in the given role. The local bundle
// is printed to stdout as a single JSON document; the peer's bundle is
// read from stdin the same way. Once the channel opens the offerer
// starts a measurement run and prints the final report; the answerer
// serves the peer's traffic until the context or the channel ends.
func Run(ctx context.Context, role string, args []string, deps Dependencies) error {
	if role != RoleOffer && role != RoleAnswer {
		return fmt.Errorf("unknown connect role %q", role)
	}
	if deps.Logger == nil {
		deps.Logger = logging.New()
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}

	fs := flag.NewFlagSet("connect-"+role, flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	duration := fs.Int("duration", 0, "Probe run duration in seconds (0 uses the configured default)")
	size := fs.Int("size", 0, "Probe load packet size in bytes (0 uses the configured default)")
	pps := fs.Int("pps", 0, "Probe load packets per second (0 uses the configured default)")
	runProbe := fs.Bool("probe", role == RoleOffer, "Start a measurement run once the channel opens")
	wait := fs.Duration("wait", 30*time.Second, "How long to wait for the channel to open")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		deps.Logger.Printf("config unavailable (%s), using defaults: %v", *configPath, err)
		cfg = config.Default()
	}
	state, err := config.LoadOrCreateState(ctx, cfg.Endpoint.DataDir, cfg.Endpoint.Label)
	if err != nil {
		return fmt.Errorf("endpoint state: %w", err)
	}

	opts := []runtime.Option{
		runtime.WithLogger(deps.Logger),
		runtime.WithChatHandler(func(message string) {
			fmt.Fprintf(deps.Stdout, "peer: %s\n", message)
		}),
	}
	opts = append(opts, deps.RuntimeOptions...)
	rt := runtime.New(cfg, state, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	waiter := rt.Start(runCtx)
	defer func() {
		cancel()
		if err := waiter(); err != nil {
			deps.Logger.Printf("runtime shutdown: %v", err)
		}
	}()

	decoder := json.NewDecoder(deps.Stdin)
	if err := exchangeBundles(ctx, role, rt, deps, decoder); err != nil {
		return err
	}
	// Anything stdin delivers from here on is chat, including bytes the
	// bundle decoder already buffered.
	remaining := io.MultiReader(decoder.Buffered(), deps.Stdin)

	if err := awaitChannel(ctx, rt, *wait); err != nil {
		return err
	}
	deps.Logger.Printf("data channel open")

	if *runProbe {
		probeCfg := probe.Config{
			DurationSeconds:  pick(*duration, cfg.Probe.DurationSeconds),
			PacketSizeBytes:  pick(*size, cfg.Probe.PacketSizeBytes),
			PacketsPerSecond: pick(*pps, cfg.Probe.PacketsPerSecond),
		}
		report, err := awaitRun(ctx, rt, probeCfg)
		if err != nil {
			return err
		}
		return writeJSON(deps.Stdout, report)
	}

	return serve(ctx, rt, deps.Logger, remaining)
}

// exchangeBundles performs the role's half of the copy-paste handshake.
// The offerer prints first and then reads; the answerer reads first.
func exchangeBundles(ctx context.Context, role string, rt *runtime.Runtime, deps Dependencies, decoder *json.Decoder) error {
	if role == RoleOffer {
		offer, err := rt.Endpoint().CreateOffer(ctx)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		deps.Logger.Printf("send this offer bundle to the peer, then paste its answer bundle")
		if err := writeJSON(deps.Stdout, offer); err != nil {
			return err
		}

		answer, err := readBundle(decoder)
		if err != nil {
			return err
		}
		if err := rt.Endpoint().ApplyAnswer(ctx, answer); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
		return nil
	}

	deps.Logger.Printf("paste the peer's offer bundle")
	offer, err := readBundle(decoder)
	if err != nil {
		return err
	}
	answer, err := rt.Endpoint().CreateAnswer(ctx, offer)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	deps.Logger.Printf("send this answer bundle back to the peer")
	return writeJSON(deps.Stdout, answer)
}

// awaitChannel blocks until the data channel reports open.
func awaitChannel(ctx context.Context, rt *runtime.Runtime, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if ch := rt.Endpoint().Channel(); ch != nil && ch.ReadyState() == transport.ChannelOpen {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("channel did not open within %s", wait)
		case <-ticker.C:
		}
	}
}

// awaitRun starts a measurement run and blocks until its final report.
func awaitRun(ctx context.Context, rt *runtime.Runtime, cfg probe.Config) (*types.Report, error) {
	if err := rt.Engine().Start(cfg); err != nil {
		return nil, fmt.Errorf("probe start: %w", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.Engine().Stop()
			return nil, ctx.Err()
		case <-ticker.C:
			if !rt.Engine().Running() {
				report := rt.Engine().LastReport()
				if report == nil {
					return nil, fmt.Errorf("run ended without a report")
				}
				return report, nil
			}
		}
	}
}

// serve keeps the endpoint alive for the peer's traffic until the
// context ends or the channel closes after having opened. Remaining
// stdin lines go out as chat messages.
func serve(ctx context.Context, rt *runtime.Runtime, logger *log.Logger, stdin io.Reader) error {
	go func() {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := rt.Endpoint().SendChat(line); err != nil {
				logger.Printf("chat send: %v", err)
			}
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ch := rt.Endpoint().Channel(); ch == nil || ch.ReadyState() != transport.ChannelOpen {
				logger.Printf("data channel closed, exiting")
				return nil
			}
		}
	}
}

func readBundle(decoder *json.Decoder) (*types.Bundle, error) {
	var bundle types.Bundle
	if err := decoder.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return &bundle, nil
}

func writeJSON(w io.Writer, payload any) error {
	encoder := json.NewEncoder(w)
	if err := encoder.Encode(payload); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func pick(flagValue, configured int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configured
}
