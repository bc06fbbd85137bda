package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/swarmmesh/swarmd/internal/config"
	"github.com/swarmmesh/swarmd/internal/discovery"
	"github.com/swarmmesh/swarmd/internal/handlers"
	"github.com/swarmmesh/swarmd/internal/middleware"
	"github.com/swarmmesh/swarmd/internal/node"
	"github.com/swarmmesh/swarmd/internal/protocol"
)

const Version = "0.1.0"

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:9000", "Listen address")
	nodeName := flag.String("node-name", "", "Human-readable name for this node (default: hostname)")
	apiURL := flag.String("api-url", "", "HTTP address peers use to reach this node, e.g. http://10.0.0.1:9000")
	token := flag.String("token", "", "Shared bearer token for peer authentication (optional)")
	seeds := flag.String("seeds", "", "Comma-separated seed node base URLs")
	mdns := flag.Bool("mdns", false, "Enable mDNS discovery (stub, no-op)")
	gossip := flag.Bool("gossip", true, "Enable gossip-based peer discovery")
	maxPeers := flag.Int("max-peers", 0, "Maximum peer table size (0 = default 50)")
	capabilities := flag.String("capabilities", "", "Comma-separated tool names this node executes for peers")
	flag.Parse()

	cfg := config.EnvOverride(config.Defaults())
	cfg.Version = Version
	if *token != "" {
		cfg.Token = *token
	}
	if *maxPeers > 0 {
		cfg.MaxPeers = *maxPeers
	}
	cfg.MDNS = *mdns
	cfg.Gossip = *gossip
	if *seeds != "" {
		cfg.Seeds = splitNonEmpty(*seeds)
	}
	if *capabilities != "" {
		cfg.Capabilities = splitNonEmpty(*capabilities)
	}

	name := *nodeName
	if name == "" {
		name = cfg.NodeName
	}
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		}
	}

	addr := *apiURL
	if addr == "" {
		addr = cfg.APIURL
	}
	if addr == "" {
		addr = "http://" + *listenAddr
	}

	localIdentity := protocol.NodeIdentity{
		DisplayName:  name,
		APIURL:       addr,
		Capabilities: cfg.Capabilities,
		Version:      Version,
	}

	log.Fatal(run(cfg, localIdentity, *listenAddr))
}

// run exists so the discovery callback can close over the fully constructed
// node (a discovery.OnPeerDiscovered needs the node's own peer table, and
// node.New needs the callback before the node exists).
func run(cfg config.SwarmConfig, localIdentity protocol.NodeIdentity, listenAddr string) error {
	var n *node.Node
	onDiscovered := discovery.OnPeerDiscovered(func(identity protocol.NodeIdentity) {
		if _, err := n.Mesh.HandleJoin(identity); err != nil {
			log.Printf("swarmd: failed to add discovered peer %s: %v", identity.NodeID, err)
		}
	})
	n = node.New(cfg, localIdentity, onDiscovered)

	log.Printf("swarmd v%s starting as node %s (%s)", cfg.Version, n.Identity.NodeID, n.Identity.APIURL)

	n.Start()
	defer n.Stop()

	r := mux.NewRouter()
	r.Use(middleware.RequireBearerToken(cfg.Token))

	h := handlers.NewSwarmHandler(n)
	r.HandleFunc("/identity", h.GetIdentity).Methods("GET")
	r.HandleFunc("/join", h.Join).Methods("POST")
	r.HandleFunc("/leave", h.Leave).Methods("POST")
	r.HandleFunc("/heartbeat", h.Heartbeat).Methods("POST")
	r.HandleFunc("/gossip", h.Gossip).Methods("POST")
	r.HandleFunc("/task/request", h.TaskRequest).Methods("POST")
	r.HandleFunc("/task/result", h.TaskResult).Methods("POST")

	r.HandleFunc("/admin/peers", h.RegisterPeer).Methods("POST")
	r.HandleFunc("/admin/peers", h.Peers).Methods("GET")
	r.HandleFunc("/admin/peers/{id}", h.RemovePeer).Methods("DELETE")
	r.HandleFunc("/admin/local", h.LocalInfo).Methods("GET")
	r.HandleFunc("/admin/status", h.Status).Methods("GET")
	r.HandleFunc("/admin/distribute", h.Distribute).Methods("POST")
	r.HandleFunc("/admin/events", h.Events).Methods("GET")

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("swarmd: listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("swarmd: server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("swarmd: shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("swarmd: server shutdown error: %v", err)
	}
	log.Println("swarmd: stopped")
	return nil
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
