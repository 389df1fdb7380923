package broker

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/pkg/protocol"
)

// maxControlLine bounds a single control request.
const maxControlLine = 16 << 20

// defaultControlDrain bounds how long end of stream waits for running requests.
const defaultControlDrain = 2 * time.Second

// ControlRequest is one line read from the control stream.
type ControlRequest struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ControlResult is one line written to the output stream: either the outcome
// of a request or, with Event set, an unsolicited event from the terminals.
type ControlResult struct {
	ID        string              `json:"id,omitempty"`
	Result    json.RawMessage     `json:"result,omitempty"`
	Error     *protocol.ErrorBody `json:"error,omitempty"`
	Event     string              `json:"event,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
}

// statusType is answered locally instead of going to the terminals.
const statusType = "tabrelay.status"

// lineWriter serializes JSON lines onto the output stream.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (w *lineWriter) write(v ControlResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func (w *lineWriter) event(msg *protocol.Message) {
	_ = w.write(ControlResult{Event: msg.Type, SessionID: msg.SessionID, Payload: msg.Payload})
}

// controlLoop reads requests until the stream ends, then gives the requests
// already running a short drain before shutting the broker down. End of
// stream is how the parent's exit is normally observed.
func (b *Broker) controlLoop(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxControlLine)

	var inflight sync.WaitGroup
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req ControlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			b.logger.WithError(err).Warn("Dropping malformed control line")
			b.reply(ControlResult{Error: protocol.ErrorFrom(errors.InvalidMessage("control line is not a JSON object"))})
			continue
		}
		if req.Type == "" {
			b.reply(ControlResult{ID: req.ID, Error: protocol.ErrorFrom(errors.InvalidMessage("control request without type"))})
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			b.reply(b.execute(ctx, req))
		}()
	}

	reason := "control stream closed"
	if err := scanner.Err(); err != nil {
		reason = "control stream failed: " + err.Error()
	}

	drained := make(chan struct{})
	go func() {
		inflight.Wait()
		close(drained)
	}()
	timer := time.NewTimer(b.opts.ControlDrain)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		// Shutdown rejects whatever is still running; those results are
		// still written.
		b.logger.WithField("drain", b.opts.ControlDrain).Warn("Control requests still running at end of stream")
	}
	b.Shutdown(reason)
}

func (b *Broker) execute(ctx context.Context, req ControlRequest) ControlResult {
	if req.Type == statusType {
		data, err := json.Marshal(b.Status())
		if err != nil {
			return ControlResult{ID: req.ID, Error: protocol.ErrorFrom(err)}
		}
		return ControlResult{ID: req.ID, Result: data}
	}

	msg := &protocol.Message{Type: req.Type, RequestID: req.ID, SessionID: req.SessionID, Payload: req.Payload}
	resp, err := b.Broadcast(ctx, msg)
	if stderrors.Is(err, context.Canceled) {
		err = errors.Wrap(err, errors.ErrCodeShuttingDown, "broker is shutting down")
	}
	if err != nil {
		if resp != nil && resp.Error != nil {
			return ControlResult{ID: req.ID, Error: resp.Error}
		}
		return ControlResult{ID: req.ID, Error: protocol.ErrorFrom(err)}
	}
	result := resp.Result
	if result == nil {
		result = resp.Payload
	}
	return ControlResult{ID: req.ID, Result: result}
}

func (b *Broker) reply(res ControlResult) {
	if b.out == nil {
		return
	}
	if err := b.out.write(res); err != nil {
		b.logger.WithError(err).Debug("Failed to write control result")
	}
}

func isClosedErr(err error) bool {
	return stderrors.Is(err, net.ErrClosed)
}
