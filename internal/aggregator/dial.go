package aggregator

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

// DialWorker is the default Dialer: opens a ws:// connection to a
// worker's event-stream endpoint, tagged with a per-connection client id
// the way the worker's own client library does for its HTTP session.
func DialWorker(ctx context.Context, worker domain.WorkerNode) (FrameReader, error) {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", worker.Host, worker.Port), Path: "/ws"}
	q := u.Query()
	q.Set("clientId", uuid.NewString())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
