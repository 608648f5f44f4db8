// Command endpoint runs the session orchestrator from a terminal: either
// offering network access as a gateway or connecting to one as a client. It
// stands in for the browser extension background page during development
// and testing of the relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/browservpn/relay/internal/endpoint"
	"github.com/browservpn/relay/internal/peerlink"
	"github.com/browservpn/relay/internal/storage"
)

func main() {
	var (
		relayURL  = flag.String("relay", "ws://127.0.0.1:8080/ws", "relay WebSocket URL")
		mode      = flag.String("mode", "", "gateway or client (empty: resume previous role)")
		gatewayID = flag.String("gateway-id", "", "gateway id to connect to (client mode)")
		password  = flag.String("password", "", "gateway password (client mode)")
		statePath = flag.String("state", "", "path to session state file (empty: in-memory)")
		stunURL   = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URL")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var store storage.Store
	if *statePath != "" {
		store = storage.NewFileStore(*statePath)
	} else {
		store = storage.NewMemoryStore()
	}

	if *mode == "" {
		role, prevGateway, ok := endpoint.RestoreState(store)
		if !ok {
			fmt.Fprintln(os.Stderr, "no previous session to resume; pass -mode gateway or -mode client")
			os.Exit(2)
		}
		*mode = role.String()
		if *gatewayID == "" {
			*gatewayID = prevGateway
		}
		logger.Info("resuming previous role", "mode", *mode, "gateway_id", *gatewayID)
	}

	factory := peerlink.NewPionFactory(peerlink.NewAPI(), []webrtc.ICEServer{
		{URLs: []string{*stunURL}},
	})
	sess := endpoint.NewSession(endpoint.Config{RelayURL: *relayURL}, logger, clock.New(), nil, factory, store)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch *mode {
	case "gateway":
		id, err := sess.StartAsGateway(ctx)
		if err != nil {
			logger.Error("failed to start gateway", "err", err)
			os.Exit(1)
		}
		fmt.Printf("Gateway ID: %s\n", id)
	case "client":
		if *gatewayID == "" {
			fmt.Fprintln(os.Stderr, "-gateway-id is required in client mode")
			os.Exit(2)
		}
		if err := sess.ConnectToGateway(ctx, *gatewayID, *password); err != nil {
			logger.Error("failed to connect", "err", err)
			os.Exit(1)
		}
		fmt.Printf("Connected to %s\n", *gatewayID)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			sess.Stop()
			return
		case <-ticker.C:
			stats := sess.Stats()
			logger.Info("session stats",
				"state", stats.State.String(),
				"peers", stats.ActivePeers,
				"bytes_sent", stats.BytesSent,
				"bytes_received", stats.BytesReceived,
			)
		}
	}
}
