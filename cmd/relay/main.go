package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mchat-network/mchat-node/pkg/crypto"
	"github.com/mchat-network/mchat-node/pkg/relay"
)

const statusInterval = 5 * time.Minute

var (
	port         = flag.Int("port", 9090, "Port for client websockets and the status API")
	operatorAddr = flag.String("operator", "", "Operator wallet address (required)")
	dbPath       = flag.String("db", "", "Offline store database path (default ./data/relay-<port>-queue.db)")
	uptimeHours  = flag.Float64("uptime-hours", 8, "Committed daily uptime hours (tier input)")
	commitGB     = flag.Int64("commit-gb", 1, "Committed storage in GB (tier input)")
	hubEndpoint  = flag.String("hub", "", "Hub websocket endpoint (default: built-in)")
	noHub        = flag.Bool("no-hub", false, "Run without a hub uplink (local-only relay)")
	platform     = flag.String("platform", "go-relay", "Platform string reported to the hub")
)

func main() {
	flag.Parse()

	printBanner()

	if *operatorAddr == "" {
		log.Fatal("Error: -operator flag is required (your wallet address)")
	}

	tier := relay.TierFor(*uptimeHours, *commitGB<<30)
	nodeID := "relay-" + crypto.PrivacyHash(*operatorAddr)[:16]
	log.Printf("✓ Operating as %s, tier %s (ceiling %d MB)",
		nodeID, tier, tier.StorageCeiling()>>20)

	queuePath := *dbPath
	if queuePath == "" {
		queuePath = fmt.Sprintf("./data/relay-%d-queue.db", *port)
	}
	if err := os.MkdirAll("./data", 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	store, err := relay.NewMessageStore(queuePath, relay.StoreConfig{Tier: tier})
	if err != nil {
		log.Fatalf("Failed to open offline store: %v", err)
	}
	log.Printf("📬 Offline store at %s (TTL: 7 days)", queuePath)

	server := relay.NewServer(store, relay.ServerConfig{
		Port:   *port,
		NodeID: nodeID,
		Tier:   tier,
	})

	var uplink *relay.Uplink
	if !*noHub {
		uplink = relay.NewUplink(relay.UplinkConfig{
			Endpoint:      *hubEndpoint,
			NodeID:        nodeID,
			WalletAddress: *operatorAddr,
			Port:          *port,
			Platform:      *platform,
		})
		server.AttachUplink(uplink)
	} else {
		log.Println("⚠️  Hub uplink disabled - serving local clients only")
	}

	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start relay server: %v", err)
	}
	if uplink != nil {
		uplink.Start()
	}

	log.Printf("✓ Relay serving websockets and status API on port %d", *port)

	go statusLoop(server, store, uplink)

	waitForShutdown(server, store, uplink)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║             MChat Relay Node v1.0                 ║")
	fmt.Println("║     Store-and-forward for offline recipients      ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func statusLoop(server *relay.Server, store *relay.MessageStore, uplink *relay.Uplink) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for range ticker.C {
		queued, _ := store.TotalCount()
		bytes, _ := store.TotalBytes()

		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("💓 Relay status")
		log.Printf("   Connected users: %d", server.ConnectedUsers())
		log.Printf("   Messages relayed: %d", server.MessagesRelayed())
		log.Printf("   Queued offline: %d (%d KB)", queued, bytes>>10)
		if uplink != nil {
			if uplink.Authenticated() {
				t := uplink.Tunnel()
				log.Printf("   Hub tunnel: ✅ %s (fee %.1f%%)", t.TunnelID, t.HubFeePercent)
			} else {
				log.Printf("   Hub tunnel: ⚠️  NOT ESTABLISHED")
			}
		}
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

func waitForShutdown(server *relay.Server, store *relay.MessageStore, uplink *relay.Uplink) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")

	if uplink != nil {
		uplink.Stop()
		log.Println("✓ Hub uplink stopped")
	}

	if err := server.Stop(); err != nil {
		log.Printf("Error stopping relay server: %v", err)
	}

	if err := store.Close(); err != nil {
		log.Printf("Error closing offline store: %v", err)
	} else {
		log.Println("✓ Offline store closed")
	}

	log.Println("✓ Relay node stopped")
	log.Println("Goodbye! 👋")
	os.Exit(0)
}
