package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"moonbase/journal"
	"moonbase/server"
)

// MoonBase 入口：启动 WebSocket 房间服务与管理接口
func main() {
	var (
		addr       string
		configPath string
		logPath    string
		logLevel   string
		dataDir    string
		noJournal  bool
	)
	flag.StringVar(&addr, "addr", "", "listen address, overrides config (e.g. :2567)")
	flag.StringVar(&configPath, "config", "", "path to YAML config")
	flag.StringVar(&logPath, "log", "moonbase.log", "log file path, empty for stderr only")
	flag.StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	flag.StringVar(&dataDir, "data", "", "data directory for the session journal, overrides config")
	flag.BoolVar(&noJournal, "no-journal", false, "disable the session journal")
	flag.Parse()

	if err := server.InitLogger(server.LogOptions{File: logPath, Level: logLevel, Console: true}); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		server.Log.Fatalf("load config: %v", err)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	var (
		rec server.Recorder
		jq  server.JournalQuerier
		jn  *journal.Journal
	)
	if !noJournal {
		jn, err = journal.Open(filepath.Join(cfg.DataDir, "journal"), server.Log.Desugar())
		if err != nil {
			server.Log.Fatalf("open journal: %v", err)
		}
		rec, jq = jn, jn
	}

	rm := server.NewRoomManager(cfg, rec)
	if cfg.KeepEmptyRooms && cfg.DefaultRoom != "" {
		// 保留空房间时预创建默认房间
		if _, err := rm.GetOrCreateRoom(cfg.DefaultRoom); err != nil {
			server.Log.Warnw("precreate room", "room", cfg.DefaultRoom, "err", err)
		}
	}

	h := server.NewHandler(rm, jq)
	srv := &http.Server{Addr: cfg.Addr, Handler: h.Routes(), ReadHeaderTimeout: cfg.HandshakeTimeout}

	go func() {
		server.Log.Infof("MoonBase listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	rm.Close()
	if jn != nil {
		if err := jn.Close(); err != nil {
			server.Log.Warnw("close journal", "err", err)
		}
	}
}
