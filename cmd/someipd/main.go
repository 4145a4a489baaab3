// Command someipd is the SOME/IP routing manager daemon: it owns the
// service/event registry, the Service Discovery engine, the policy gate, and
// every transport endpoint, and brokers local applications attached over the
// Local IPC channel (spec §4.3-§4.7).
//
// Structured the way the pack's warren daemon structures its manager/worker
// entry points: one cobra root command, persistent logging flags, a single
// RunE that assembles every subsystem and blocks on OS signals.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/someipd/someipd/internal/appserver"
	"github.com/someipd/someipd/internal/config"
	"github.com/someipd/someipd/internal/discovery"
	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/policy"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/routing"
	"github.com/someipd/someipd/internal/transport"
	"github.com/someipd/someipd/internal/wire"
)

// localIPCMaxPayload bounds one Local IPC frame's payload, generous enough
// to carry a full-size reliable SOME/IP message plus command framing.
const localIPCMaxPayload = 1 << 20

// udpReorderWindow bounds how long a UDP-TP reassembly stays open across a
// segment gap before it is abandoned (spec §4.2); not part of spec §6's
// option table, so it is not configurable yet.
const udpReorderWindow = 500 * time.Millisecond

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "someipd",
	Short: "SOME/IP routing manager daemon",
	Long: `someipd brokers SOME/IP service discovery, subscription, and message
routing between local applications and the network, playing the role of the
central routing manager a SOME/IP middleware stack relies on.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().String("config", "", "path to a JSON configuration document (defaults built in if omitted)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "emit structured JSON logs instead of a console writer")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log := newLogger(logLevel, logJSON)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("someipd: %w", err)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("someipd: startup: %w", err)
	}
	defer rt.Close()

	log.Info().
		Str("unix", cfg.Listen.Unix).
		Str("tcp", cfg.Listen.TCP).
		Str("udp", cfg.Listen.UDP).
		Str("sd_multicast", cfg.SDMulticastAddr()).
		Msg("someipd started")

	return rt.waitForShutdown(ctx, log)
}

func newLogger(level string, asJSON bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w = os.Stderr
	if asJSON {
		return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).Level(lvl).With().Timestamp().Logger()
}

// runtime holds every long-lived subsystem the daemon assembles, so main's
// signal handling has one thing to tear down. Deliberately not a package
// global: cmd/someipd constructs exactly one, and every subsystem it wires
// takes its dependencies as constructor arguments rather than reaching for
// shared state.
type runtime struct {
	manager *routing.Manager
	sd      *discovery.Engine

	sdSocket  *transport.MulticastEndpoint
	tcpServer *transport.TCPServerEndpoint
	udpServer *transport.UDPServerEndpoint
	localLn   *transport.LocalServerEndpoint
}

func newRuntime(ctx context.Context, cfg config.Config, log zerolog.Logger) (*runtime, error) {
	reg := registry.New()

	gate := policy.NewGate()
	gate.CheckCredentials = cfg.CheckCredentials
	gate.AuditMode = cfg.AuditMode
	gate.Audit = func(cred policy.Credential, reason string, enforced bool) {
		log.Warn().Uint32("uid", cred.UID).Uint32("gid", cred.GID).Str("reason", reason).Bool("enforced", enforced).Msg("policy denial")
	}

	registrar := ipc.NewRegistrar()
	limits := cfg.QueueLimits()

	// manager and sd are constructed after the endpoints that need to call
	// into them; these forward references let the endpoints' receive
	// callbacks close over the eventual values without a construction
	// cycle (mirrored below for the TCP/UDP remote-receive path).
	var manager *routing.Manager
	var sd *discovery.Engine

	g, _ := errgroup.WithContext(ctx)

	var tcpServer *transport.TCPServerEndpoint
	g.Go(func() error {
		ep, err := transport.NewTCPServerEndpoint(cfg.Listen.TCP, func() *wire.CookieDecoder {
			return wire.NewCookieDecoder(wire.NewCodec(cfg.MaxMessageSizeReliable), true)
		}, cfg.MaxMessageSizeReliable, limits, func(src net.Addr, msg wire.Message) {
			if manager == nil {
				return
			}
			if err := manager.HandleRemote(ctx, msg); err != nil {
				log.Debug().Err(err).Stringer("peer", src).Msg("failed to route inbound tcp message")
			}
		}, log)
		if err != nil {
			return fmt.Errorf("tcp listen %s: %w", cfg.Listen.TCP, err)
		}
		tcpServer = ep
		return nil
	})

	var udpServer *transport.UDPServerEndpoint
	g.Go(func() error {
		addr, err := net.ResolveUDPAddr("udp4", cfg.Listen.UDP)
		if err != nil {
			return fmt.Errorf("resolve udp listen addr %s: %w", cfg.Listen.UDP, err)
		}
		ep, err := transport.NewUDPServerEndpoint(addr, wire.NewCodec(cfg.MaxMessageSizeUnreliable), limits, cfg.MaxTPSize, udpReorderWindow, func(src *net.UDPAddr, msg wire.Message) {
			if manager == nil {
				return
			}
			if err := manager.HandleRemote(ctx, msg); err != nil {
				log.Debug().Err(err).Stringer("peer", src).Msg("failed to route inbound udp message")
			}
		}, log)
		if err != nil {
			return fmt.Errorf("udp listen %s: %w", cfg.Listen.UDP, err)
		}
		udpServer = ep
		return nil
	})

	var sdSocket *transport.MulticastEndpoint
	g.Go(func() error {
		ep, err := transport.NewMulticastEndpoint(cfg.SDMulticastAddr(), func(src *net.UDPAddr, payload []byte) {
			if manager == nil || sd == nil {
				return
			}
			manager.HandleSDDatagram(ctx, func() { sd.HandleDatagram(ctx, src, payload) })
		}, log)
		if err != nil {
			return fmt.Errorf("join sd multicast %s: %w", cfg.SDMulticastAddr(), err)
		}
		sdSocket = ep
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	tcpServer.Open(ctx)
	udpServer.Open(ctx)

	sd = discovery.NewEngine(cfg.DiscoveryConfig(), reg, sdSocket, permitAllSubscriptions, log)
	endpoints := routing.NewSharedEndpoints(tcpServer, udpServer)
	manager = routing.NewManager(reg, sd, gate, registrar, endpoints, log,
		routing.WithMessageSizeLimits(cfg.MaxMessageSizeReliable, cfg.MaxMessageSizeUnreliable),
	)
	manager.SetState(ctx, cfg.RoutingState())

	codec := ipc.NewFrameCodec(localIPCMaxPayload)
	srv := appserver.New(reg, sd, manager, registrar, codec, log)
	localLn, err := srv.Listen(ctx, "unix", cfg.Listen.Unix, limits)
	if err != nil {
		return nil, fmt.Errorf("local ipc listen %s: %w", cfg.Listen.Unix, err)
	}

	return &runtime{
		manager:   manager,
		sd:        sd,
		sdSocket:  sdSocket,
		tcpServer: tcpServer,
		udpServer: udpServer,
		localLn:   localLn,
	}, nil
}

// permitAllSubscriptions is the discovery engine's default remote-subscribe
// gate: network peers carry no UID/GID, so the only policy surface that
// applies to them is the routing manager's own CheckRequestPolicy/
// CheckOfferPolicy, already consulted on the local-IPC side of a
// subscription (spec §4.6).
func permitAllSubscriptions(ctx context.Context, key registry.InstanceKey, eventgroupID uint16, subscriber net.Addr) (bool, string) {
	return true, ""
}

// waitForShutdown blocks until a termination or state-transition signal
// arrives. SIGUSR1 sets the routing manager to SUSPENDED and SIGUSR2 sets it
// to RESUMED (spec §4.6's externally triggered state transitions); SIGINT/
// SIGTERM begin an orderly shutdown.
func (rt *runtime) waitForShutdown(ctx context.Context, log zerolog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				rt.manager.SetState(ctx, routing.StateSuspended)
			case syscall.SIGUSR2:
				rt.manager.SetState(ctx, routing.StateResumed)
			default:
				log.Info().Msg("shutting down")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears every bound endpoint down, logging but not failing on
// individual close errors: shutdown should make a best effort across all of
// them rather than abort partway through.
func (rt *runtime) Close() {
	rt.manager.SetState(context.Background(), routing.StateShutdown)
	for _, c := range []interface{ Close() error }{rt.localLn, rt.tcpServer, rt.udpServer, rt.sdSocket} {
		if err := c.Close(); err != nil {
			_ = err
		}
	}
}
