package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/m4xw311/qodo-acp/acp"
	"github.com/m4xw311/qodo-acp/bridge"
	"github.com/m4xw311/qodo-acp/config"
	"github.com/m4xw311/qodo-acp/logging"
	"github.com/m4xw311/qodo-acp/tools"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:          "ws_bridge",
		Short:        "Serve the qodo ACP adapter over a websocket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	root.PersistentFlags().String("ws-addr", "", "Listen address, e.g. :8080")
	root.PersistentFlags().String("qodo-path", "", "Path to the qodo executable")
	root.PersistentFlags().String("work-dir", "", "Working directory for qodo processes")
	root.PersistentFlags().Bool("track-tool-status", false, "Report tool completions that arrive in later output chunks")
	root.PersistentFlags().Bool("debug", false, "Log every message and output chunk")
	config.Init(root, v)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ws_bridge: %+v\n", err)
		os.Exit(1)
	}
}

func run(parent context.Context, v *viper.Viper) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Overlay(v); err != nil {
		return err
	}
	log := logging.NewWithOptions(logging.Options{Output: os.Stderr, Debug: cfg.Debug})

	mux := http.NewServeMux()
	h, err := newHandler(cfg, log)
	if err != nil {
		return err
	}
	mux.Handle("/ws", h)
	httpServer := &http.Server{Addr: cfg.WSAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("websocket server listening", "addr", cfg.WSAddr, "path", "/ws")
		errCh <- httpServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.closeAll()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handler gives every websocket connection its own server and bridge, so a
// disconnect kills exactly that client's turns.
type handler struct {
	cfg    *config.Config
	parser *tools.Parser
	log    logging.Logger
	conns  atomic.Int64
	cancel chan struct{}
}

func newHandler(cfg *config.Config, log logging.Logger) (*handler, error) {
	vocab, err := tools.NewVocabulary(cfg.KnownTools)
	if err != nil {
		return nil, err
	}
	return &handler{
		cfg:    cfg,
		parser: tools.NewParser(vocab),
		log:    log,
		cancel: make(chan struct{}),
	}, nil
}

func (h *handler) closeAll() {
	close(h.cancel)
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "websocket upgrade failed")
		return
	}
	defer conn.Close()

	n := h.conns.Add(1)
	log := h.log.WithValues("conn", n, "remote", r.RemoteAddr)
	log.Info("client connected")

	b := bridge.New(bridge.Options{
		Command:     h.cfg.QodoPath,
		Args:        h.cfg.QodoArgs,
		Env:         h.cfg.Env,
		Dir:         h.cfg.WorkDir,
		GracePeriod: h.cfg.GracePeriod,
		Logger:      log,
	})
	srv, err := acp.NewServer(&wsTransport{conn: conn}, acp.Options{
		Bridge:          acp.NewProcessBridge(b),
		Parser:          h.parser,
		TrackToolStatus: h.cfg.TrackToolStatus,
		Logger:          log,
	})
	if err != nil {
		log.Error(err, "failed to create server")
		return
	}
	defer srv.Shutdown()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.cancel:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Error(err, "connection ended with error")
	}
	log.Info("client disconnected")
}

// wsTransport carries one JSON-RPC message per websocket text frame.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
