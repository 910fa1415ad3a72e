package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"encproxy/internal/acl"
	"encproxy/internal/crypto"
	"encproxy/internal/mediator"
	"encproxy/internal/netopt"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	testConfig := flag.Bool("t", false, "test configuration and exit")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		if *testConfig {
			fmt.Fprintf(os.Stderr, "configuration test FAILED: %v\n", err)
			os.Exit(1)
		}
		log.Fatalf("[main] %v", err)
	}

	if *testConfig {
		fmt.Printf("configuration file %s test OK\n", *configPath)
		fmt.Printf("  method:    %s\n", cfg.Method)
		fmt.Printf("  listeners: %d\n", len(cfg.Listeners))
		for _, l := range cfg.Listeners {
			fmt.Printf("    socks5://%s → %d relay(s)\n", l.Listen, len(l.Relays))
		}
		os.Exit(0)
	}

	method, err := crypto.ParseMethod(cfg.Method)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	keyLen, _, _, err := crypto.Lookup(method)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	masterKey := crypto.DeriveMasterKey(cfg.Password, keyLen)

	a, err := loadACL(cfg)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	log.Printf("[main] method: %s", cfg.Method)
	log.Printf("[main] listeners: %d", len(cfg.Listeners))
	log.Printf("[main] GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	rt := mediator.NewRuntime()
	go rt.LogStatsPeriodically(30 * time.Second)

	var listeners []*mediator.Listener
	for _, l := range cfg.Listeners {
		if l.OutboundBindIface != "" && l.OutboundBindIP != "" {
			if runtime.GOOS == "linux" {
				if err := netopt.EnsureBindAddress(l.OutboundBindIface, net.ParseIP(l.OutboundBindIP)); err != nil {
					log.Fatalf("[main] failed to ensure outbound bind address: %v", err)
				}
			} else {
				log.Printf("[main] skipping outbound bind address assignment on %s (not Linux)", l.OutboundBindIface)
			}
		}

		mc := cfg.mediatorConfig(l, a, masterKey, method)
		ln, err := mediator.NewListener(rt, mc)
		if err != nil {
			log.Fatalf("[main] listener %s: %v", l.Listen, err)
		}
		listeners = append(listeners, ln)
	}

	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		ln := ln
		go func() {
			if err := ln.Serve(); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", ln.Addr(), err)
			}
		}()
	}

	log.Println("[main] ─────────────────────────────────────")
	for _, ln := range listeners {
		log.Printf("[main]   socks5://%s", ln.Addr())
	}
	log.Println("[main] ─────────────────────────────────────")
	log.Println("[main] all listeners running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadACL(cfg, a, rt)
				continue
			}
			log.Printf("[main] received signal %s, shutting down...", sig)
		case err := <-errCh:
			log.Printf("[main] fatal: %v", err)
		}
		break
	}

	for _, ln := range listeners {
		ln.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rt.Shutdown(ctx)
}

// reloadACL implements spec §4.2's ACL-reload pairing: re-read the rule
// file into the already-shared ACL in place, then drain the pooled
// buffer arenas. A SIGHUP with no acl_file configured is a no-op.
func reloadACL(cfg *Config, a *acl.ACL, rt *mediator.Runtime) {
	if cfg.ACLFile == "" {
		log.Printf("[main] SIGHUP: no acl_file configured, nothing to reload")
		return
	}
	f, err := os.Open(cfg.ACLFile)
	if err != nil {
		log.Printf("[main] SIGHUP: reload failed: %v", err)
		return
	}
	defer f.Close()
	if err := a.Reload(f); err != nil {
		log.Printf("[main] SIGHUP: reload failed: %v", err)
		return
	}
	rt.DrainPool()
	log.Printf("[main] SIGHUP: ACL reloaded from %s", cfg.ACLFile)
}

// loadACL builds the shared ACL from cfg: a rule file if configured,
// else a bare default-mode ACL, else a disabled ACL (route via relay).
func loadACL(cfg *Config) (*acl.ACL, error) {
	if cfg.ACLFile != "" {
		a, err := acl.LoadFile(cfg.ACLFile)
		if err != nil {
			return nil, fmt.Errorf("acl: %w", err)
		}
		if cfg.DefaultACL == "bypass_all" {
			a.SetDefaultMode(acl.BypassAll)
		}
		return a, nil
	}
	if cfg.DefaultACL == "" {
		return acl.New(), nil
	}
	a := acl.New()
	mode := acl.ProxyAll
	if cfg.DefaultACL == "bypass_all" {
		mode = acl.BypassAll
	}
	a.SetDefaultMode(mode)
	return a, nil
}
