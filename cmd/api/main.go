package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"paperhub.org/internal/auth"
	"paperhub.org/internal/httpapi"
	"paperhub.org/internal/obs"
	"paperhub.org/internal/perm"
	"paperhub.org/internal/replication"
	"paperhub.org/internal/store/pg"
	"paperhub.org/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("PAPERHUB_COMMIT"))

	nodeID := strings.TrimSpace(os.Getenv("PAPERHUB_NODE_ID"))
	if nodeID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		nodeID = host
	}

	// Event store: Postgres when a DSN is configured, in-memory otherwise.
	var (
		store perm.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("PAPERHUB_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Println("PAPERHUB_PG_DSN is empty, using in-memory event store")
		store = perm.NewInMemory()
	}

	// Replication: static peer list with a shared token.
	peerToken := strings.TrimSpace(os.Getenv("PAPERHUB_PEER_TOKEN"))
	var clients []*replication.Client
	for _, raw := range strings.Split(os.Getenv("PAPERHUB_PEERS"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		clients = append(clients, replication.NewClient(raw, replication.WithToken(peerToken)))
	}

	var transport replication.Transport = replication.Noop{}
	var peers *replication.Peers
	if len(clients) > 0 {
		if peerToken == "" {
			log.Fatal("PAPERHUB_PEERS is set but PAPERHUB_PEER_TOKEN is empty")
		}
		peers = replication.NewPeers(clients)
		transport = peers
	}

	changes := stream.New()
	perms, err := perm.NewService(nodeID, store,
		perm.WithPublisher(transport),
		perm.WithChangeListener(changes),
	)
	if err != nil {
		log.Fatalf("permission service: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, perms, auth.NewAuthorizer(store), changes, peerToken)

	addr := os.Getenv("PAPERHUB_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stopWorkers := context.WithCancel(context.Background())
	if len(clients) > 0 {
		resync := replication.NewResync(clients, perms, 30*time.Second)
		go resync.Run(runCtx)
	}

	log.Printf("Starting paperhub-api %s, node %s on %s (%d peers)", version, nodeID, srv.Addr, len(clients))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if peers != nil {
		peers.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
