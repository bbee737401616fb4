package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"

	"swarmmesh/internal/config"
	"swarmmesh/internal/crypto"
	"swarmmesh/internal/mesh"
	"swarmmesh/internal/metrics"
	"swarmmesh/internal/network"
	"swarmmesh/internal/pprofutil"
	"swarmmesh/internal/proto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "init":
		return runInit(args[1:], stdout, stderr)
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "invite":
		return runInvite(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: swarm-node <init|run|status|peers|invite> [args]")
	fmt.Fprintln(w, "  init   --region <region> [--addr <ip:port>] [--genkey]")
	fmt.Fprintln(w, "  run    [--config <path>] [--debug]")
	fmt.Fprintln(w, "  status [--config <path>]")
	fmt.Fprintln(w, "  peers  [--config <path>]")
	fmt.Fprintln(w, "  invite [--config <path>] [--qr]")
}

func defaultConfigPath() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".swarmmesh", "config.yaml")
}

func loadConfig(path string, stderr io.Writer) (config.Config, bool) {
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "load config %s failed: %v\n", path, err)
		return config.Config{}, false
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return config.Config{}, false
	}
	return cfg, true
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	region := fs.String("region", "", "node region (required)")
	addr := fs.String("addr", "0.0.0.0:7946", "listen addr (host:port)")
	genKey := fs.Bool("genkey", false, "generate a mesh encryption key")
	cfgPath := fs.String("config", defaultConfigPath(), "config path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *region == "" {
		fmt.Fprintln(stderr, "missing --region")
		return 1
	}
	if !config.KnownRegion(*region) {
		fmt.Fprintf(stderr, "unknown region %s (known: %v)\n", *region, config.Regions)
		return 1
	}
	cfg := config.Config{
		Region:     *region,
		ListenAddr: *addr,
		DataDir:    filepath.Dir(*cfgPath),
	}
	if *genKey {
		key := make([]byte, crypto.XKeySize)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(stderr, "keygen failed: %v\n", err)
			return 1
		}
		cfg.EncryptionEnabled = true
		cfg.MeshKey = hex.EncodeToString(key)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintf(stderr, "write config failed: %v\n", err)
		return 1
	}
	pub, _, err := crypto.LoadOrCreateKeypair(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		fmt.Fprintf(stderr, "keypair init failed: %v\n", err)
		return 1
	}
	id := crypto.NodeIDFromPub(pub)
	fmt.Fprintf(stdout, "config written: %s\n", *cfgPath)
	fmt.Fprintf(stdout, "node_id: %s\n", hex.EncodeToString(id[:]))
	if cfg.EncryptionEnabled {
		fmt.Fprintln(stdout, "mesh_key generated; share it with mesh members out of band")
	}
	return 0
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath(), "config path")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("SWARMMESH_DEBUG", "1")
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 1
	}

	advertised := cfg.ListenAddr
	if len(cfg.STUNServers) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pub, nat, err := network.ProbePublicAddr(ctx, cfg.STUNServers, 3*time.Second)
		cancel()
		if err != nil {
			fmt.Fprintf(stderr, "STUN probe failed, advertising listen addr: %v\n", err)
		} else {
			fmt.Fprintf(stdout, "public addr %s (nat=%s)\n", pub, nat)
			advertised = pub
		}
	}

	node, err := mesh.NewNode(mesh.Options{
		Config:         cfg,
		Transport:      &network.Transport{Insecure: false, MaxStreamReaders: cfg.ProcessingThreads},
		Metrics:        metrics.New(),
		Caps:           proto.Capabilities{Relay: true, Execute: true},
		AdvertisedAddr: advertised,
	})
	if err != nil {
		fmt.Fprintf(stderr, "node init failed: %v\n", err)
		return 1
	}

	events := make(chan mesh.Event, 256)
	sub := node.Subscribe(events)
	defer sub.Unsubscribe()
	go func() {
		for ev := range events {
			fmt.Fprintf(stdout, "event %s\n", ev.Name)
			if ev.Name == mesh.EvEmergencyShutdown {
				fmt.Fprintln(stderr, "emergency shutdown received, exiting")
				p, _ := os.FindProcess(os.Getpid())
				_ = p.Signal(syscall.SIGTERM)
			}
		}
	}()

	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY addr=%s node_id=%s region=%s\n", cfg.ListenAddr, node.ID(), cfg.Region)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	node.Stop()
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath(), "config path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 1
	}
	data, err := os.ReadFile(cfg.MetricsPath)
	if err != nil {
		fmt.Fprintln(stdout, "status: no metrics snapshot yet (is the node running?)")
		return 1
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(stderr, "metrics snapshot unreadable: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Local node summary:")
	fmt.Fprintf(stdout, "  as of: %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  gossip: sent=%d received=%d relayed=%d broadcasts=%d\n",
		snap.Gossip.Sent, snap.Gossip.Received, snap.Gossip.Relayed, snap.Gossip.Broadcasts)
	fmt.Fprintf(stdout, "  drops: duplicate=%d stale=%d bad_sig=%d decode=%d ttl=%d queue_full=%d\n",
		snap.Drops.Duplicate, snap.Drops.Stale, snap.Drops.BadSig, snap.Drops.Decode, snap.Drops.TTL, snap.Drops.QueueFull)
	fmt.Fprintf(stdout, "  intel: tactics shared=%d received=%d, threats=%d, patches issued=%d applied=%d pending=%d\n",
		snap.Intel.TacticsShared, snap.Intel.TacticsReceived, snap.Intel.ThreatsReported,
		snap.Intel.PatchesIssued, snap.Intel.PatchesApplied, snap.Intel.PatchesPending)
	fmt.Fprintf(stdout, "  peers: connected=%d disconnected=%d quarantined=%d\n",
		snap.Peers.Connected, snap.Peers.Disconnected, snap.Peers.Quarantined)
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath(), "config path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 1
	}
	node, err := mesh.NewNode(mesh.Options{Config: cfg})
	if err != nil {
		fmt.Fprintf(stderr, "node init failed: %v\n", err)
		return 1
	}
	contacts, err := node.SeedContacts()
	if err != nil {
		fmt.Fprintf(stderr, "peer book unreadable: %v\n", err)
		return 1
	}
	if len(contacts) == 0 {
		fmt.Fprintln(stdout, "no known peers")
		return 0
	}
	for _, c := range contacts {
		addr := c.Addr
		if addr == "" {
			addr = "unknown"
		}
		fmt.Fprintf(stdout, "%s addr=%s region=%s\n", c.NodeID, addr, c.Region)
	}
	return 0
}

// runInvite prints this node's contact record, optionally as a QR code, so an
// operator can paste or scan it into another node's peer book.
func runInvite(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("invite", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath(), "config path")
	qr := fs.Bool("qr", false, "render the contact as a QR code")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 1
	}
	pub, _, err := crypto.LoadOrCreateKeypair(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		fmt.Fprintf(stderr, "keypair load failed: %v\n", err)
		return 1
	}
	id := crypto.NodeIDFromPub(pub)
	contact := proto.NodeContact{
		NodeID: hex.EncodeToString(id[:]),
		PubKey: hex.EncodeToString(pub),
		Addr:   cfg.ListenAddr,
		Region: cfg.Region,
	}
	data, err := json.Marshal(contact)
	if err != nil {
		fmt.Fprintf(stderr, "encode contact failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(data))
	if *qr {
		qrterminal.GenerateWithConfig(string(data), qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
	}
	return 0
}
