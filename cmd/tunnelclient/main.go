package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/reversetunnel/tunnel/internal/client"
)

func main() {
	port := flag.String("port", "", "local port to expose (required)")
	host := flag.String("host", "127.0.0.1", "local host to expose")
	subdomain := flag.String("subdomain", "", "requested subdomain")
	connectURL := flag.String("connect", "", "tunnel server control URL")
	domainBase := flag.String("domain-base", "", "override the domain base used to print the public URL")
	token := flag.String("token", "", "registration token")
	flag.Parse()

	_ = godotenv.Load()

	resolvedPort := *port
	resolvedConnect := *connectURL
	resolvedSubdomain := *subdomain

	// Positional fallback <port> [connect] [subdomain], used when flag
	// parsing above is unreliable (e.g. a bare invocation like
	// `tunnelclient 8080`).
	if args := flag.Args(); len(args) > 0 {
		if resolvedPort == "" {
			resolvedPort = args[0]
		}
		if len(args) > 1 && resolvedConnect == "" {
			resolvedConnect = args[1]
		}
		if len(args) > 2 && resolvedSubdomain == "" {
			resolvedSubdomain = args[2]
		}
	}

	if resolvedPort == "" {
		fmt.Fprintln(os.Stderr, "tunnelclient: --port (or a positional port argument) is required")
		os.Exit(1)
	}

	if resolvedConnect == "" {
		resolvedConnect = os.Getenv("SIMPLE_TUNNEL_CONNECT")
	}
	if resolvedConnect == "" {
		resolvedConnect = "ws://localhost:3000/connect"
	}

	base := *domainBase
	if base == "" {
		base = os.Getenv("SIMPLE_TUNNEL_DOMAIN_BASE")
	}
	if base == "" {
		base = os.Getenv("DOMAIN_BASE")
	}

	log := logrus.New()
	if v := os.Getenv("SIMPLE_TUNNEL_LOG"); v != "" {
		if level, err := logrus.ParseLevel(v); err == nil {
			log.SetLevel(level)
		}
	}

	c := client.New(client.Options{
		ControlURL:    resolvedConnect,
		OriginHost:    *host,
		OriginPort:    resolvedPort,
		Subdomain:     resolvedSubdomain,
		Token:         *token,
		DomainBase:    base,
		ForceStream:   isTruthy(os.Getenv("SIMPLE_TUNNEL_STREAM")),
		ForceIdentity: isTruthy(os.Getenv("SIMPLE_TUNNEL_FORCE_IDENTITY")),
		Log:           log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Infof("exposing %s:%s via %s", *host, resolvedPort, resolvedConnect)
	if err := c.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Fatal("tunnel client exited")
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
