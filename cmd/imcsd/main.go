// Command imcsd runs one imcs matchmaking/session-broker server: it
// binds the line-oriented TCP protocol clients speak, and optionally the
// read-only spectator HTTP surface and the Redis event mirror. Grounded
// on the teacher's cmd/matchmaker/main.go and main.go, which is the
// teacher's own template for a process wiring one collaborator per line
// and then blocking on its main loop.
package main

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"

	"github.com/krishanu7/imcsd/config"
	"github.com/krishanu7/imcsd/internal/adminauth"
	"github.com/krishanu7/imcsd/internal/broker/admin"
	"github.com/krishanu7/imcsd/internal/broker/session"
	"github.com/krishanu7/imcsd/internal/broker/state"
	"github.com/krishanu7/imcsd/internal/driver"
	"github.com/krishanu7/imcsd/internal/logsink"
	"github.com/krishanu7/imcsd/internal/notify"
	"github.com/krishanu7/imcsd/internal/spectate"
	"github.com/krishanu7/imcsd/store"
)

// adminAccountName is fixed, matching spec.md's single reserved admin
// login rather than making it configurable: the two CLI positionals are
// the port and the admin's password, never its name.
const adminAccountName = "admin"

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <port> <admin-password>\n", os.Args[0])
		os.Exit(2)
	}
	port := os.Args[1]
	adminPassword := os.Args[2]

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sink, err := logsink.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		log.Fatalf("build log sink: %v", err)
	}

	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	brokerState, err := state.New(st)
	if err != nil {
		log.Fatalf("load broker state: %v", err)
	}

	if err := admin.EnsureAdminAccount(brokerState, adminAccountName, adminPassword); err != nil {
		log.Fatalf("ensure admin account: %v", err)
	}

	addr := net.JoinHostPort("", port)
	if err := admin.GracefulTakeover(addr, adminAccountName, adminPassword); err != nil {
		log.Fatalf("graceful takeover: %v", err)
	}

	var publisher notify.Publisher = notify.Noop{}
	if cfg.RedisAddr != "" {
		rp, err := notify.NewRedisPublisher(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("connect notify redis: %v", err)
		}
		defer rp.Close()
		publisher = rp
	}

	var spectateHub *spectate.Hub
	if cfg.SpectateAddr != "" {
		spectateHub = spectate.NewHub()
		issuer := adminauth.New(cfg.JWTSecret, adminAccountName)
		go func() {
			sink.Log("spectator surface listening", map[string]any{"addr": cfg.SpectateAddr})
			if err := http.ListenAndServe(cfg.SpectateAddr, spectateHub.Router(brokerState, issuer)); err != nil {
				sink.Error("spectator surface exited", map[string]any{"err": err.Error()})
			}
		}()
	}

	deps := session.Deps{
		State:     brokerState,
		Store:     st,
		Driver:    driver.NewRandomDriver(rand.NewSource(rand.Int63())),
		Log:       sink,
		Notify:    publisher,
		Spectate:  spectateHub,
		AdminName: adminAccountName,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", addr, err)
	}
	defer ln.Close()
	sink.Log("imcsd listening", map[string]any{"addr": addr})

	for {
		conn, err := ln.Accept()
		if err != nil {
			sink.Error("accept failed", map[string]any{"err": err.Error()})
			continue
		}
		go serve(conn, deps, sink)
	}
}

// serve runs one connection's session to completion, closing conn unless
// ownership was transferred to the peer that accepted its offer.
func serve(conn net.Conn, deps session.Deps, sink *logsink.Sink) {
	s := session.New(conn, deps)
	transferred, err := s.Serve()
	if err != nil {
		sink.Warn("session ended with error", map[string]any{"remote": conn.RemoteAddr().String(), "err": err.Error()})
	}
	if !transferred {
		_ = conn.Close()
	}
}
