package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/astromechza/todosync/pkg/config"
	"github.com/astromechza/todosync/pkg/docstore"
	"github.com/astromechza/todosync/pkg/registry"
	"github.com/astromechza/todosync/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	configVar := flag.String("config", "", "path to an optional yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overriding the config file")
	dataVar := flag.String("data", "", "the directory to keep state in, overriding the config file")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.ListenAddr = *addrVar
	}
	if *dataVar != "" {
		cfg.DataDir = *dataVar
	}

	dbPath := "todosync.sqlite3"
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath = filepath.Join(cfg.DataDir, "todosync.sqlite3")
	}
	db, err := docstore.OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	// an empty listen address disables serving, the node can still join and
	// pull lists from others
	var ln net.Listener
	advertise := cfg.AdvertiseAddr
	if cfg.ListenAddr != "" {
		ln, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
		}
		if advertise == "" {
			advertise = ln.Addr().String()
		}
	}

	storeOpts := []docstore.Option{docstore.WithSyncInterval(cfg.SyncInterval())}
	if advertise != "" {
		storeOpts = append(storeOpts, docstore.WithAdvertiseAddrs(advertise))
	}
	store, err := docstore.New(db, storeOpts...)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := registry.New(db)
	if err != nil {
		return err
	}

	manager := session.NewManager(store, reg, session.WithCoalesceWindow(cfg.CoalesceWindow()))
	defer manager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var httpServer *http.Server
	wg := new(sync.WaitGroup)
	if ln != nil {
		httpServer = &http.Server{Handler: store.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server listen failed", "err", err)
			}
		}()
		slog.Info("listening", "addr", ln.Addr().String(), "advertise", advertise, "db", dbPath)
	} else {
		slog.Info("not listening, no listen address configured", "db", dbPath)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runREPL(ctx, manager)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-done:
	}
	cancel()
	if httpServer != nil {
		_ = httpServer.Close()
	}
	wg.Wait()
	return nil
}
