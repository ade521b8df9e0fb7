package diag

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"golang.org/x/sync/errgroup"

	"github.com/peerprobehq/peerprobe/internal/config"
	"github.com/peerprobehq/peerprobe/internal/logging"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

const defaultServer = "stun:stun.l.google.com:19302"

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value == "" {
		return nil
	}
	*mv = append(*mv, value)
	return nil
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now    func() time.Time
	Logger *log.Logger
	Stdout io.Writer

	// Probe resolves one STUN server to the caller's mapped address.
	Probe func(ctx context.Context, server string, timeout time.Duration) (string, error)
}

type serverResult struct {
	Server        string `json:"server"`
	MappedAddress string `json:"mapped_address,omitempty"`
	Error         string `json:"error,omitempty"`
}

type endpointSummary struct {
	EndpointID string `json:"endpoint_id"`
	Label      string `json:"label,omitempty"`
	DataDir    string `json:"data_dir"`
}

type report struct {
	GeneratedAt   string           `json:"generated_at"`
	Endpoint      *endpointSummary `json:"endpoint,omitempty"`
	Servers       []serverResult   `json:"servers"`
	PublicAddress string           `json:"public_address,omitempty"`
	NATType       string           `json:"nat_type"`
	Warnings      []string         `json:"warnings,omitempty"`
}

// Run executes the connectivity diagnostics workflow: query every
// configured STUN server for the caller's reflexive address and infer
// the NAT behavior from the answers. The report is printed as JSON.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.New()
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Probe == nil {
		deps.Probe = probeServer
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	timeout := fs.Duration("timeout", 3*time.Second, "Per-server STUN timeout")
	var servers multiValue
	fs.Var(&servers, "server", "STUN server to query (repeatable; overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	out := report{
		GeneratedAt: deps.Now().UTC().Format(time.RFC3339),
		NATType:     NATTypeUnknown,
	}

	cfg, cfgErr := config.Load(ctx, *configPath)
	if cfgErr != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("config unavailable (%s): %v", *configPath, cfgErr))
	} else {
		if state, err := config.LoadState(ctx, cfg.Endpoint.DataDir); err == nil {
			out.Endpoint = &endpointSummary{
				EndpointID: state.EndpointID,
				Label:      state.Label,
				DataDir:    cfg.Endpoint.DataDir,
			}
		}
		if len(servers) == 0 {
			servers = stunServers(cfg)
		}
	}
	if len(servers) == 0 {
		servers = multiValue{defaultServer}
		out.Warnings = append(out.Warnings, "no STUN servers configured, using the default")
	}

	out.Servers = queryServers(ctx, deps, []string(servers), *timeout)

	mapped := make([]string, 0, len(out.Servers))
	for _, result := range out.Servers {
		if result.MappedAddress != "" {
			mapped = append(mapped, result.MappedAddress)
		}
	}
	if len(mapped) > 0 {
		out.PublicAddress = mapped[0]
		out.NATType = classify(mapped)
	}

	encoder := json.NewEncoder(deps.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("encode diagnostics report: %w", err)
	}
	if len(mapped) == 0 {
		return fmt.Errorf("no STUN server was reachable")
	}
	return nil
}

// queryServers probes all servers concurrently; per-server failures are
// captured in the result, never aborting the sweep.
func queryServers(ctx context.Context, deps Dependencies, servers []string, timeout time.Duration) []serverResult {
	results := make([]serverResult, len(servers))
	g, ctx := errgroup.WithContext(ctx)
	for i, server := range servers {
		i, server := i, server
		g.Go(func() error {
			results[i].Server = server
			addr, err := deps.Probe(ctx, server, timeout)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].MappedAddress = addr
			return nil
		})
	}
	g.Wait()
	return results
}

// classify infers NAT behavior by comparing mapped addresses across
// servers: differing answers indicate a symmetric NAT.
func classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

// stunServers extracts the stun: URLs from the ICE server config.
func stunServers(cfg config.Config) []string {
	var servers []string
	for _, server := range cfg.ICE.Servers {
		for _, url := range server.URLs {
			if strings.HasPrefix(url, "stun:") {
				servers = append(servers, url)
			}
		}
	}
	return servers
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan string, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr.String()
		})
		if err != nil {
			fail <- err
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("STUN query to %s timed out", server)
	case err := <-fail:
		return "", err
	case addr := <-result:
		return addr, nil
	}
}
