// Package aggregator multiplexes worker progress events to client
// sessions: a PromptMap correlates worker-side job ids back to sessions,
// and a SessionSink fans each event out to every client stream currently
// subscribed to that session.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

// ClientEvent is the normalized shape forwarded to a client stream.
type ClientEvent struct {
	Type         string
	GenerationID string
	WorkerID     string
	Step         int
	TotalSteps   int
	Percent      float64
	NodeID       string
	HasImages    bool
	PromptID     string
	Message      string
	BatchID      string
	Completed    int
	Total        int
	ElapsedMS    int64
}

// Sink is one client's stream endpoint. Send is called for every event
// published to the session the sink is subscribed to; a returned error
// marks the sink dead and it is pruned from the session.
type Sink interface {
	Send(ClientEvent) error
}

// workerMessage is the wire shape of one frame from a worker's event
// stream: a type tag and a loosely typed payload.
type workerMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type sessionSinks struct {
	mu    sync.Mutex
	sinks []Sink
}

// Aggregator owns the PromptMap and SessionSink and runs one reconnecting
// subscriber goroutine per worker.
type Aggregator struct {
	promptMap sync.Map // worker_job_id -> domain.PromptMapEntry
	sessions  sync.Map // session_id -> *sessionSinks

	subscribersMu sync.Mutex
	cancels       []context.CancelFunc
	wg            sync.WaitGroup
}

// New builds an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// RegisterPrompt maps a worker-assigned job id to its owning session, job,
// and worker, for the duration of the job's execution window.
func (a *Aggregator) RegisterPrompt(workerJobID string, entry domain.PromptMapEntry) {
	if workerJobID == "" {
		return
	}
	a.promptMap.Store(workerJobID, entry)
}

// UnregisterPrompt removes a prompt mapping. Unknown ids are a no-op.
func (a *Aggregator) UnregisterPrompt(workerJobID string) {
	a.promptMap.Delete(workerJobID)
}

// Subscribe attaches sink to session, returning a function that removes it.
func (a *Aggregator) Subscribe(sessionID string, sink Sink) func() {
	v, _ := a.sessions.LoadOrStore(sessionID, &sessionSinks{})
	s := v.(*sessionSinks)
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		for i, existing := range s.sinks {
			if existing == sink {
				s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
				break
			}
		}
		empty := len(s.sinks) == 0
		s.mu.Unlock()
		if empty {
			a.sessions.Delete(sessionID)
		}
	}
}

// Publish sends ev to every sink subscribed to sessionID, pruning any sink
// whose Send fails. An event with no subscribed endpoints is dropped.
func (a *Aggregator) Publish(sessionID string, ev ClientEvent) {
	v, ok := a.sessions.Load(sessionID)
	if !ok {
		return
	}
	s := v.(*sessionSinks)

	s.mu.Lock()
	sinks := make([]Sink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()

	if len(sinks) == 0 {
		return
	}

	var dead []Sink
	for _, sink := range sinks {
		if err := sink.Send(ev); err != nil {
			dead = append(dead, sink)
		}
	}
	if len(dead) == 0 {
		return
	}

	s.mu.Lock()
	for _, d := range dead {
		for i, existing := range s.sinks {
			if existing == d {
				s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
				break
			}
		}
	}
	empty := len(s.sinks) == 0
	s.mu.Unlock()
	if empty {
		a.sessions.Delete(sessionID)
	}
}

// HandleWorkerMessage decodes one frame from workerID's event stream and,
// if it resolves to a tracked prompt, publishes the mapped client event.
// Exported directly so both the live subscriber and tests can drive it
// without a real WebSocket connection.
func (a *Aggregator) HandleWorkerMessage(workerID string, raw []byte) {
	var msg workerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return // malformed or binary-preview frame, ignore
	}

	promptID, _ := msg.Data["prompt_id"].(string)
	if promptID == "" {
		promptID = a.activePromptFor(workerID)
	}
	if promptID == "" {
		return
	}

	v, ok := a.promptMap.Load(promptID)
	if !ok {
		return
	}
	entry := v.(domain.PromptMapEntry)

	ev, ok := mapEvent(msg, workerID, promptID, entry.JobID)
	if !ok {
		return
	}
	a.Publish(entry.SessionID, ev)
}

// activePromptFor returns any prompt id currently mapped to workerID, for
// progress frames that omit prompt_id. Iteration order over PromptMap is
// not guaranteed; this is a best-effort fallback, not a deterministic pick.
func (a *Aggregator) activePromptFor(workerID string) string {
	var found string
	a.promptMap.Range(func(key, value any) bool {
		entry := value.(domain.PromptMapEntry)
		if entry.WorkerID == workerID {
			found = key.(string)
			return false
		}
		return true
	})
	return found
}

func mapEvent(msg workerMessage, workerID, promptID, generationID string) (ClientEvent, bool) {
	switch msg.Type {
	case "progress":
		value := toFloat(msg.Data["value"])
		max := toFloat(msg.Data["max"])
		percent := 0.0
		if max > 0 {
			percent = value / max * 100
		}
		return ClientEvent{
			Type:         "generation_progress",
			GenerationID: generationID,
			WorkerID:     workerID,
			Step:         int(value),
			TotalSteps:   int(max),
			Percent:      percent,
		}, true

	case "executed":
		output, _ := msg.Data["output"].(map[string]any)
		if _, hasImages := output["images"]; !hasImages {
			return ClientEvent{}, false
		}
		nodeID, _ := msg.Data["node"].(string)
		return ClientEvent{
			Type:         "generation_node_complete",
			GenerationID: generationID,
			WorkerID:     workerID,
			NodeID:       nodeID,
			HasImages:    true,
		}, true

	case "execution_complete":
		return ClientEvent{
			Type:         "generation_complete_signal",
			GenerationID: generationID,
			WorkerID:     workerID,
			PromptID:     promptID,
		}, true

	case "execution_error":
		message, _ := msg.Data["exception_message"].(string)
		if message == "" {
			message = "unknown worker error"
		}
		return ClientEvent{
			Type:         "error",
			GenerationID: generationID,
			Message:      message,
		}, true

	default:
		return ClientEvent{}, false
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return 0
	}
}

// FrameReader is the minimal surface the aggregator needs from a worker
// event-stream connection: blocking reads of one text frame at a time.
// gorilla/websocket's *Conn satisfies this directly.
type FrameReader interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens a worker's event stream. The default implementation (see
// dial.go) dials a ws:// URL with gorilla/websocket; tests substitute a
// fake to drive reconnect behavior deterministically.
type Dialer func(ctx context.Context, worker domain.WorkerNode) (FrameReader, error)

// StartWorkerSubscriber runs a long-lived goroutine that connects to
// worker's event stream via dial, forwards every text frame to
// HandleWorkerMessage, and reconnects with exponential backoff (1s..30s,
// reset on connect) until ctx is canceled.
func (a *Aggregator) StartWorkerSubscriber(ctx context.Context, worker domain.WorkerNode, dial Dialer) {
	ctx, cancel := context.WithCancel(ctx)
	a.subscribersMu.Lock()
	a.cancels = append(a.cancels, cancel)
	a.subscribersMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runSubscriber(ctx, worker, dial)
	}()
}

func (a *Aggregator) runSubscriber(ctx context.Context, worker domain.WorkerNode, dial Dialer) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever, caller cancels via ctx
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := dial(ctx, worker)
		if err != nil {
			slog.Debug("worker event stream connect failed", slog.String("worker_id", worker.ID), slog.Any("error", err))
			if !a.sleepBackoff(ctx, bo) {
				return
			}
			continue
		}

		bo.Reset()
		slog.Info("worker event stream connected", slog.String("worker_id", worker.ID))
		a.readLoop(ctx, worker.ID, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("worker event stream disconnected, reconnecting", slog.String("worker_id", worker.ID))
		if !a.sleepBackoff(ctx, bo) {
			return
		}
	}
}

func (a *Aggregator) readLoop(ctx context.Context, workerID string, conn FrameReader) {
	for {
		if ctx.Err() != nil {
			return
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		const textMessage = 1
		if messageType != textMessage {
			continue // binary preview frame, ignore
		}
		a.HandleWorkerMessage(workerID, data)
	}
}

func (a *Aggregator) sleepBackoff(ctx context.Context, bo backoff.BackOff) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(bo.NextBackOff()):
		return true
	}
}

// Shutdown cancels every subscriber and waits for them to return.
func (a *Aggregator) Shutdown() {
	a.subscribersMu.Lock()
	cancels := a.cancels
	a.cancels = nil
	a.subscribersMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	a.wg.Wait()
}
