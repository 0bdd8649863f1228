package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore"
	"github.com/polystore/polystore/internal/config"
	"github.com/polystore/polystore/internal/lockfile"
	"github.com/polystore/polystore/internal/rpc"
	"github.com/polystore/polystore/internal/telemetry"
)

var (
	serveTCPAddr string
	serveWSAddr  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the data daemon",
	Long: `Connect every backend declared in the config and serve the data
tools over the daemon socket, and optionally TCP and websocket, until
interrupted. Only one daemon runs per runtime directory.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTCPAddr, "tcp", "", "Also listen on this TCP address")
	serveCmd.Flags().StringVar(&serveWSAddr, "ws", "", "Also listen for websocket clients on this address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		found, err := config.Find()
		if err != nil {
			return err
		}
		path = found
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if err := telemetry.Init(rootCtx, "polystore", Version); err != nil {
		log.Printf("Warning: telemetry disabled: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	}()

	socket := daemonSocket()
	if socketFlag == "" && cfg.Daemon.Socket != "" {
		socket = cfg.Daemon.Socket
	}
	tcpAddr := serveTCPAddr
	if tcpAddr == "" {
		tcpAddr = cfg.Daemon.TCPAddr
	}
	wsAddr := serveWSAddr
	if wsAddr == "" {
		wsAddr = cfg.Daemon.WSAddr
	}

	runtimeDir := config.HomeDir()
	lock, err := lockfile.Acquire(runtimeDir, lockfile.LockInfo{
		PID:       os.Getpid(),
		Socket:    socket,
		Version:   Version,
		StartedAt: time.Now(),
	})
	if errors.Is(err, lockfile.ErrLockBusy) {
		if running, pid := lockfile.TryDaemonLock(runtimeDir); running {
			return fmt.Errorf("daemon already running (pid %d)", pid)
		}
		return errors.New("daemon already running")
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := polystore.OpenConfig(rootCtx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			log.Printf("Warning: shutdown: %v", err)
		}
	}()

	srv := rpc.NewServer(store.Engines(), rpc.ServerOptions{
		SocketPath: socket,
		TCPAddr:    tcpAddr,
		AuthToken:  cfg.Daemon.AuthToken,
		Version:    Version,
	})

	// Live-reload the cheap knobs on config edits. Binding or model
	// changes need a restart; say so instead of half-applying them.
	watchCtx, stopWatch := context.WithCancel(rootCtx)
	defer stopWatch()
	go func() {
		err := config.Watch(watchCtx, path, func(next *config.Config) {
			if next.Daemon.LogLevel != cfg.Daemon.LogLevel {
				log.Printf("Config reloaded: log_level %q", next.Daemon.LogLevel)
			}
			log.Printf("Config changed on disk; storage and model changes apply on restart")
		})
		if err != nil && watchCtx.Err() == nil {
			log.Printf("Warning: config watch stopped: %v", err)
		}
	}()

	if wsAddr != "" {
		go func() {
			if err := srv.StartWebsocket(wsAddr); err != nil {
				log.Printf("Warning: websocket listener failed: %v", err)
			}
		}()
	}

	go func() {
		<-rootCtx.Done()
		_ = srv.Stop()
	}()

	log.Printf("poly daemon %s serving %d models on %s", Version, len(store.Models()), socket)
	return srv.Start(rootCtx)
}
