package httpx

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vortex44/deployer/internal/service/deploy"
)

const (
	streamWriteTimeout = 10 * time.Second
	noContainerMessage = "No container found"
)

// handleLogStream upgrades to a websocket and forwards container output as
// text frames until the client goes away or the container exits.
func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.deploy.Get(req.Context(), id); err != nil {
		r.writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "deployment_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	out := &frameWriter{conn: conn}
	err = r.deploy.StreamLogs(ctx, id, out)
	switch {
	case errors.Is(err, deploy.ErrNoContainer):
		_, _ = out.Write([]byte(noContainerMessage))
	case err != nil && ctx.Err() == nil:
		r.logger.Warn("log stream ended", "deployment_id", id, "error", err)
	}
	out.close()
}

// frameWriter sends each Write as one websocket text frame.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (f *frameWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := f.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *frameWriter) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
