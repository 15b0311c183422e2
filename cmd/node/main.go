package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mchat-network/mchat-node/pkg/crypto"
	"github.com/mchat-network/mchat-node/pkg/delivery"
	"github.com/mchat-network/mchat-node/pkg/hub"
	"github.com/mchat-network/mchat-node/pkg/protocol"
	"github.com/mchat-network/mchat-node/pkg/relay"
	"github.com/mchat-network/mchat-node/pkg/transport"
)

const heartbeatInterval = 5 * time.Minute

var (
	walletAddr   = flag.String("wallet", "", "Wallet address for this node (required)")
	displayName  = flag.String("name", "", "Display name sent to the hub")
	listenAddr   = flag.String("listen", ":9001", "UDP listen address for P2P transport")
	bootstrap    = flag.String("bootstrap", "", "Comma-separated bootstrap peers (wallet@/ip4/../udp/..)")
	stunServers  = flag.String("stun", "", "Comma-separated STUN servers (default: public pool)")
	noDiscovery  = flag.Bool("no-stun", false, "Skip public endpoint discovery")
	hubEndpoint  = flag.String("hub", "", "Hub websocket endpoint (default: discovery)")
	hubDiscovery = flag.String("hub-discovery", "", "Hub endpoint discovery URL")
	noHub        = flag.Bool("no-hub", false, "Run without a hub session")
	dbPath       = flag.String("db", "./data/node-offline.db", "Offline store database path")
	relayPort    = flag.Int("relay-port", 0, "Also serve a relay node on this port (0 = off)")
)

// chatPayload is the JSON body of a CHAT_MESSAGE frame
type chatPayload struct {
	From       string `json:"from"`
	MessageID  string `json:"messageId"`
	Ciphertext string `json:"ciphertext"`
}

// directPath adapts the UDP transport for the orchestrator
type directPath struct {
	t      *transport.Transport
	wallet string
}

func (d *directPath) Connected(wallet string) bool {
	return d.t.IsConnectedTo(crypto.DeriveNodeID(wallet))
}

func (d *directPath) Send(wallet string, ciphertext []byte, messageID string) error {
	body, err := json.Marshal(chatPayload{
		From:       d.wallet,
		MessageID:  messageID,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return err
	}
	return d.t.SendMessage(crypto.DeriveNodeID(wallet), protocol.MsgTypeChatMessage, body, true)
}

func (d *directPath) SendDeliveryReceipt(to, messageID string) error {
	id := crypto.DeriveNodeID(to)
	if !d.t.IsConnectedTo(id) {
		return transport.ErrNotConnected
	}
	return d.t.SendMessage(id, protocol.MsgTypeDeliveryReceipt, []byte(messageID), false)
}

// hubPath adapts the hub gateway session for the orchestrator
type hubPath struct{ c *hub.Client }

func (h hubPath) Authenticated() bool {
	return h.c.State() == hub.StateAuthenticated
}

func (h hubPath) Send(to, ciphertext, messageID string) error {
	return h.c.SendMessage(to, ciphertext, messageID, true, "", "")
}

// pairKeys derives a per-conversation key from the sorted address pair.
// TODO: replace with X3DH session keys once the key-agreement component
// is integrated.
type pairKeys struct{ self string }

func (k pairKeys) SharedKey(peer string) ([]byte, error) {
	a, b := strings.ToLower(k.self), strings.ToLower(peer)
	if a > b {
		a, b = b, a
	}
	return crypto.Hash([]byte(a + "|" + b)), nil
}

type transportComponent struct{ t *transport.Transport }

func (c transportComponent) Start() error { return c.t.Start() }
func (c transportComponent) Stop() error  { c.t.Stop(); return nil }

type hubComponent struct {
	c                  *hub.Client
	wallet, name, pkey string
}

func (c hubComponent) Start() error {
	// A failed first dial is not fatal: the client reconnects on its own
	if err := c.c.Connect(c.wallet, c.name, c.pkey); err != nil {
		log.Printf("⚠️  Initial hub connect failed: %v", err)
	}
	return nil
}
func (c hubComponent) Stop() error { c.c.Close(); return nil }

type relayComponent struct{ s *relay.Server }

func (c relayComponent) Start() error { return c.s.Start() }
func (c relayComponent) Stop() error  { return c.s.Stop() }

func main() {
	flag.Parse()

	printBanner()

	if *walletAddr == "" {
		log.Fatal("Error: -wallet flag is required")
	}

	if err := os.MkdirAll("./data", 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Offline store: the last-resort delivery path
	store, err := relay.NewMessageStore(*dbPath, relay.StoreConfig{})
	if err != nil {
		log.Fatalf("Failed to open offline store: %v", err)
	}

	// P2P transport
	tcfg := transport.Config{
		ListenAddr:       *listenAddr,
		WalletAddress:    *walletAddr,
		Bootstrap:        staticPeers(parseBootstrap(*bootstrap)),
		DisableDiscovery: *noDiscovery,
	}
	if *stunServers != "" {
		tcfg.STUNServers = strings.Split(*stunServers, ",")
	}
	tr, err := transport.NewTransport(tcfg)
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}

	cfg := delivery.Config{
		WalletAddress: *walletAddr,
		Encryptor:     crypto.ChaChaBox{},
		Keys:          pairKeys{self: *walletAddr},
		Offline:       store,
	}

	direct := &directPath{t: tr, wallet: strings.ToLower(*walletAddr)}
	cfg.Direct = direct
	cfg.Receipts = direct
	cfg.Components = append(cfg.Components, transportComponent{t: tr})

	// Hub gateway session
	var hubClient *hub.Client
	if !*noHub {
		hubClient = hub.NewClient(hub.Config{Endpoint: *hubEndpoint, DiscoveryURL: *hubDiscovery})
		cfg.Hub = hubPath{c: hubClient}
		cfg.Components = append(cfg.Components, hubComponent{
			c: hubClient, wallet: *walletAddr, name: *displayName,
		})
	} else {
		log.Println("⚠️  Hub session disabled")
	}

	// Embedded relay node, sharing the offline store
	var relayServer *relay.Server
	if *relayPort > 0 {
		relayServer = relay.NewServer(store, relay.ServerConfig{
			Port:   *relayPort,
			NodeID: crypto.PrivacyHash(*walletAddr)[:16],
		})
		cfg.LocalRelay = relayServer
		cfg.Components = append(cfg.Components, relayComponent{s: relayServer})
	}

	orch := delivery.NewOrchestrator(cfg)
	if err := orch.Initialize(); err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	wireInbound(orch, tr, hubClient)

	orch.SetMessageHandler(func(m *delivery.Message) {
		log.Printf("💬 %s: %s", shortAddr(m.From), m.Plaintext)
		if err := orch.SendDeliveryAck(m.From, m.MessageID); err != nil {
			log.Printf("⚠️  Could not ack %s: %v", m.MessageID, err)
		}
	})
	orch.SetStatusHandler(func(u delivery.Update) {
		log.Printf("📨 %s → %s (%s)", u.MessageID[:8], u.Status, u.Path)
	})

	if err := orch.Connect(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	log.Printf("✓ Node running as %s on %s", shortAddr(*walletAddr), tr.LocalAddr())
	if ep := tr.PublicEndpoint(); ep != nil {
		log.Printf("✓ Public endpoint: %s", ep)
	}

	go heartbeatLoop(tr, hubClient, relayServer)
	go inputLoop(orch, tr)

	waitForShutdown(orch, store)
}

// wireInbound routes raw transport frames and hub messages into the
// orchestrator's decode path
func wireInbound(orch *delivery.Orchestrator, tr *transport.Transport, hubClient *hub.Client) {
	tr.SetSendFailedHandler(func(seq uint32, dest protocol.NodeID) {
		log.Printf("⚠️  Reliable send seq=%d to %x abandoned", seq, dest[:8])
	})

	tr.SetMessageHandler(func(m transport.Message) {
		switch m.Frame.Type {
		case protocol.MsgTypeChatMessage:
			var body chatPayload
			if err := json.Unmarshal(m.Frame.Payload, &body); err != nil {
				return
			}
			ct, err := base64.StdEncoding.DecodeString(body.Ciphertext)
			if err != nil {
				return
			}
			orch.HandleInbound(body.From, ct, body.MessageID)

		case protocol.MsgTypeDeliveryReceipt:
			orch.MarkDelivered(string(m.Frame.Payload))

		case protocol.MsgTypeReadReceipt:
			orch.MarkRead(string(m.Frame.Payload))
		}
	})

	if hubClient == nil {
		return
	}

	hubClient.SetMessageHandler(func(m *hub.IncomingMessage) {
		ct, err := base64.StdEncoding.DecodeString(m.Payload)
		if err != nil {
			return
		}
		orch.HandleInbound(m.From, ct, m.MessageID)
	})
	hubClient.SetEventHandler(func(env *hub.Envelope) {
		switch env.Type {
		case hub.TypeRelayAck:
			if env.Delivered {
				orch.MarkDelivered(env.MessageID)
			}
		case hub.TypeReadReceipt:
			orch.MarkRead(env.MessageID)
		}
	})
}

// inputLoop is a minimal operator console:
//
//	connect <wallet>
//	send <wallet> <text...>
//	status
func inputLoop(orch *delivery.Orchestrator, tr *transport.Transport) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "connect":
			if len(fields) != 2 {
				fmt.Println("usage: connect <wallet>")
				continue
			}
			if err := tr.ConnectToPeer(crypto.DeriveNodeID(fields[1])); err != nil {
				log.Printf("❌ Connect failed: %v", err)
			}

		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <wallet> <text>")
				continue
			}
			text := strings.Join(fields[2:], " ")
			id, err := orch.SendMessage(fields[1], []byte(text))
			if err != nil {
				log.Printf("❌ Send failed: %v", err)
				continue
			}
			path, _ := orch.PathOf(id)
			log.Printf("✓ Message %s handed to %s path", id[:8], path)

		case "status":
			log.Printf("Transport: %s, peers: %d, pending acks: %d",
				tr.State(), len(tr.Connections()), tr.PendingAckCount())

		default:
			fmt.Println("commands: connect <wallet> | send <wallet> <text> | status")
		}
	}
}

func heartbeatLoop(tr *transport.Transport, hubClient *hub.Client, relayServer *relay.Server) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("💓 Heartbeat")
		log.Printf("   Transport: %s, peers: %d", tr.State(), len(tr.Connections()))
		if hubClient != nil {
			log.Printf("   Hub session: %s", hubClient.State())
		}
		if relayServer != nil {
			log.Printf("   Relay sessions: %d, relayed: %d",
				relayServer.ConnectedUsers(), relayServer.MessagesRelayed())
		}
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// staticPeers serves a flag-supplied peer list as a bootstrap source
type staticPeers []transport.BootstrapPeer

func (p staticPeers) Peers() ([]transport.BootstrapPeer, error) { return p, nil }

func parseBootstrap(raw string) []transport.BootstrapPeer {
	if raw == "" {
		return nil
	}

	var peers []transport.BootstrapPeer
	for _, entry := range strings.Split(raw, ",") {
		wallet, addr, found := strings.Cut(entry, "@")
		if !found {
			log.Printf("⚠️  Skipping malformed bootstrap entry %q", entry)
			continue
		}
		peers = append(peers, transport.BootstrapPeer{WalletAddress: wallet, Multiaddr: addr})
	}
	return peers
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              MChat Messaging Node v1.0            ║")
	fmt.Println("║       P2P transport with relay fallback           ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func shortAddr(addr string) string {
	if len(addr) > 10 {
		return addr[:10] + "…"
	}
	return addr
}

func waitForShutdown(orch *delivery.Orchestrator, store *relay.MessageStore) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")

	orch.Disconnect()

	if err := store.Close(); err != nil {
		log.Printf("Error closing offline store: %v", err)
	}

	log.Println("✓ Node stopped")
	log.Println("Goodbye! 👋")
	os.Exit(0)
}
