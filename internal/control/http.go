package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/telehealth-voice-lab/internal/logging"
)

// Handler serves /health, the MCP websocket at /mcp/ws and, when metrics
// is non-nil, /metrics.
func Handler(server *sdk.Server, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/mcp/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("control: websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		go func() {
			ss, err := server.Connect(context.Background(), NewWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("control: mcp connect failed", "err", err)
				_ = conn.Close()
				return
			}
			logging.Debugw("control: client connected", "remote", r.RemoteAddr)
			if err := ss.Wait(); err != nil {
				logging.Debugw("control: client session ended", "err", err)
			}
		}()
	})
	return mux
}

// Serve runs h on addr until ctx ends.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Infow("control: listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
