// Command wireterm-server runs one host in the multiplexer's hop chain: it
// accepts peer connections from other hosts (the server/term announce
// protocol), accepts client connections (watch/task traffic), optionally
// bridges browser-class clients over websocket, and can spawn a local pty
// session directly under its own listener.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wireterm/internal/client"
	"github.com/ehrlich-b/wireterm/internal/config"
	"github.com/ehrlich-b/wireterm/internal/conn"
	"github.com/ehrlich-b/wireterm/internal/filemon"
	"github.com/ehrlich-b/wireterm/internal/listener"
	"github.com/ehrlich-b/wireterm/internal/logger"
	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/protocol"
	"github.com/ehrlich-b/wireterm/internal/proxy"
	"github.com/ehrlich-b/wireterm/internal/ptyhost"
	"github.com/ehrlich-b/wireterm/internal/store"
	"github.com/ehrlich-b/wireterm/internal/task"
	"github.com/ehrlich-b/wireterm/internal/watch"
	"github.com/ehrlich-b/wireterm/internal/wire"
	"github.com/ehrlich-b/wireterm/internal/wsbridge"
)

func main() {
	var peerAddr, clientAddr, wsAddr, shell string

	root := &cobra.Command{
		Use:   "wireterm-server",
		Short: "wireterm host: peer, client, and websocket listeners over one multiplexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(peerAddr, clientAddr, wsAddr, shell)
		},
	}
	root.Flags().StringVar(&peerAddr, "peer-listen", ":7700", "address for other hosts' hop connections")
	root.Flags().StringVar(&clientAddr, "client-listen", ":7701", "address for client (wt) connections")
	root.Flags().StringVar(&wsAddr, "ws-listen", "", "address for browser-class websocket clients (disabled if empty)")
	root.Flags().StringVar(&shell, "shell", "", "spawn this shell as a local pty term on startup")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(peerAddr, clientAddr, wsAddr, shell string) error {
	userDir, err := config.GetUserConfigDir()
	if err != nil {
		return fmt.Errorf("resolve user config dir: %w", err)
	}
	projectDir, err := config.GetProjectDir()
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.EnsureConfigDirs(userDir, projectDir); err != nil {
		return fmt.Errorf("ensure config dirs: %w", err)
	}

	mgr := config.NewManager()
	if err := mgr.Load(userDir, projectDir); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()

	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	host, err := config.LoadHostConfig(filepath.Join(projectDir, ".wireterm"))
	if err != nil {
		return fmt.Errorf("load host config: %w", err)
	}

	storePath := cfg.StorePath
	if storePath == "" {
		storePath = userDir + "/wireterm.db"
	}
	st, err := store.Open(storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	l := listener.New()
	taskCfg := task.Config{
		ChunkSize:      cfg.ChunkSize,
		Window:         cfg.WindowSize,
		BytesPerSecond: 0,
		Burst:          cfg.ChunkSize,
	}
	tasks := task.NewManager(l, taskCfg, host)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if shell != "" {
		termID := wire.Generate()
		tp := proxy.NewTermProxy(termID, wire.Nil, cfg.MaxQueuedRegions)
		h, err := ptyhost.Spawn(termID, tp, l, shell, nil, nil, model.Size{Cols: 80, Rows: 24})
		if err != nil {
			return fmt.Errorf("spawn shell: %w", err)
		}
		defer h.Close()
		mon := filemon.New(tp, cfg.FileMonitorLimit)
		if wd, err := os.Getwd(); err == nil {
			if err := mon.SetDirectory(wd); err != nil {
				logger.Warn("server: file monitor setup failed", "err", err)
			}
		}
		defer mon.Close()
		logger.Info("server: spawned local shell", "id", termID.ShortFormat(), "shell", shell)
	}

	peerLn, err := net.Listen("tcp", peerAddr)
	if err != nil {
		return fmt.Errorf("listen peer: %w", err)
	}
	defer peerLn.Close()
	go acceptPeers(ctx, peerLn, l)

	clientLn, err := net.Listen("tcp", clientAddr)
	if err != nil {
		return fmt.Errorf("listen client: %w", err)
	}
	defer clientLn.Close()
	go acceptClients(ctx, clientLn, l, tasks, cfg.ThrottleWarnBytes)

	go func() {
		<-ctx.Done()
		peerLn.Close()
		clientLn.Close()
	}()

	var wsSrv *http.Server
	if wsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			c, err := wsbridge.Accept(w, r, wsbridge.AcceptOptions{InsecureSkipVerify: true})
			if err != nil {
				logger.Warn("server: websocket accept failed", "err", err)
				return
			}
			runClient(c, l, tasks, cfg.ThrottleWarnBytes)
		})
		wsSrv = &http.Server{Addr: wsAddr, Handler: mux}
		go func() {
			if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server: websocket listener failed", "err", err)
			}
		}()
	}

	if host.Label != "" {
		logger.Info("server: started", "label", host.Label, "peer", peerAddr, "client", clientAddr)
	} else {
		logger.Info("server: started", "peer", peerAddr, "client", clientAddr)
	}

	for _, upstream := range host.Upstreams {
		go dialUpstream(ctx, upstream, l)
	}

	<-ctx.Done()
	logger.Info("server: shutting down")
	if wsSrv != nil {
		wsSrv.Close()
	}
	return nil
}

func acceptPeers(ctx context.Context, ln net.Listener, l *listener.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("server: peer accept failed", "err", err)
				return
			}
		}
		go runPeer(c, l)
	}
}

func runPeer(c net.Conn, l *listener.Listener) {
	defer c.Close()
	id := wire.Generate()
	inst := conn.New(id, l)
	machine := protocol.New(inst, c, nil)
	inst.Bind(machine)

	if !l.RegisterReader(id, inst) {
		logger.Warn("server: duplicate peer id", "id", id.ShortFormat())
		return
	}
	defer l.UnregisterReader(id)

	for machine.ReadFrom(c) {
	}
}

func acceptClients(ctx context.Context, ln net.Listener, l *listener.Listener, tasks *task.Manager, throttleWarnBytes int) {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("server: client accept failed", "err", err)
				return
			}
		}
		go runClient(c, l, tasks, throttleWarnBytes)
	}
}

func runClient(c net.Conn, l *listener.Listener, tasks *task.Manager, throttleWarnBytes int) {
	defer c.Close()
	id := wire.Generate()
	r := client.New(id, l, nil, tasks)
	machine := protocol.New(r, c, nil)
	r.Bind(machine)
	w := watch.NewWriter(id, machine, throttleWarnBytes)
	r.SetWriter(w)

	if !l.RegisterClient(&listener.ClientInfo{ID: id, Writer: w}) {
		logger.Warn("server: duplicate client id", "id", id.ShortFormat())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, func(recovered any) {
		logger.Error("client: reader panic", "id", id.ShortFormat(), "recovered", recovered)
	})
	go w.Run(ctx, func(recovered any) {
		logger.Error("client: writer panic", "id", id.ShortFormat(), "recovered", recovered)
	})

	buf := make([]byte, 64*1024)
	for {
		n, err := c.Read(buf)
		if n > 0 && !r.Feed(buf[:n]) {
			return
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			r.OnEOF(err)
			return
		}
	}
}

func dialUpstream(ctx context.Context, addr string, l *listener.Listener) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		logger.Warn("server: dial upstream failed", "addr", addr, "err", err)
		return
	}
	runPeer(c, l)
}
