package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"fireside/internal/domain"
)

// maxFrameSize bounds a single protocol line. Chat requests carry whole
// conversations, so this is generous.
const maxFrameSize = 4 << 20

// ServerOption is a functional option for configuring Server.
type ServerOption func(*Server)

// WithServerLogger sets a structured logger. If l is nil it is ignored.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server is the worker-side protocol loop. It reads requests from an input
// stream, runs them against an Engine one at a time, and writes responses to
// an output stream. Cancel frames are handled out-of-band: a reader
// goroutine cancels the matching in-flight chat without waiting for the
// work queue.
type Server struct {
	engine   domain.Engine
	logger   *slog.Logger
	writeMu  sync.Mutex
	cancelMu sync.Mutex
	cancels  map[uint64]context.CancelFunc
}

// NewServer creates a Server hosting the given engine. Panics if engine is nil.
func NewServer(engine domain.Engine, opts ...ServerOption) *Server {
	if engine == nil {
		panic("wire: engine must not be nil")
	}
	s := &Server{
		engine:  engine,
		logger:  slog.Default(),
		cancels: make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve processes requests until a shutdown frame arrives or the input
// stream ends. It returns nil on clean shutdown or input EOF.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	work := make(chan Request, 16)

	// The reader goroutine parses every line. Cancel frames short-circuit:
	// they cancel the matching in-flight request instead of queueing behind
	// it. Everything else is processed in arrival order.
	go s.readLoop(r, work)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-work:
			if !ok {
				return nil // input stream ended
			}
			if req.Kind == KindShutdown {
				s.write(w, Response{ID: req.ID, Type: TypeDone})
				return nil
			}
			s.handle(ctx, w, req)
		}
	}
}

// readLoop parses frames off the input stream. Malformed lines get an
// immediate error response; cancel frames are applied out-of-band.
func (s *Server) readLoop(r io.Reader, work chan<- Request) {
	defer close(work)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("worker: dropping malformed frame", "error", err)
			continue
		}
		if req.Kind == KindCancel {
			s.cancel(req.ID)
			continue
		}
		work <- req
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("worker: input read error", "error", err)
	}
}

// handle runs one request against the engine and writes its response frames.
func (s *Server) handle(ctx context.Context, w io.Writer, req Request) {
	switch req.Kind {
	case KindLoad:
		if req.Settings == nil {
			s.write(w, Response{ID: req.ID, Type: TypeError, Message: "load: missing settings"})
			return
		}
		if err := s.engine.Load(ctx, *req.Settings); err != nil {
			s.write(w, Response{ID: req.ID, Type: TypeError, Message: err.Error()})
			return
		}
		s.write(w, Response{ID: req.ID, Type: TypeDone})

	case KindChat:
		s.handleChat(ctx, w, req)

	case KindCountTokens:
		count, err := s.engine.CountTokens(req.Messages)
		if err != nil {
			s.write(w, Response{ID: req.ID, Type: TypeError, Message: err.Error()})
			return
		}
		s.write(w, Response{ID: req.ID, Type: TypeDone, Count: count})

	case KindUnload:
		if err := s.engine.Close(); err != nil {
			s.write(w, Response{ID: req.ID, Type: TypeError, Message: err.Error()})
			return
		}
		s.write(w, Response{ID: req.ID, Type: TypeDone})

	default:
		s.write(w, Response{ID: req.ID, Type: TypeError, Message: "unknown request kind: " + req.Kind})
	}
}

// handleChat streams one generation. Token frames flow as the engine emits
// them; the terminal frame is TypeDone with usage (including the cancelled
// case, where usage covers the partial output) or TypeError.
func (s *Server) handleChat(ctx context.Context, w io.Writer, req Request) {
	chatCtx, cancel := context.WithCancel(ctx)
	s.register(req.ID, cancel)
	defer s.unregister(req.ID)

	params := domain.DefaultSamplingParams()
	if req.Params != nil {
		params = *req.Params
	}

	usage, err := s.engine.Chat(chatCtx, req.Messages, params, func(delta string) error {
		if chatCtx.Err() != nil {
			return chatCtx.Err()
		}
		s.write(w, Response{ID: req.ID, Type: TypeToken, Text: delta})
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.write(w, Response{ID: req.ID, Type: TypeError, Message: err.Error()})
		return
	}
	// Completed, or cancelled with partial usage: either way the stream ends
	// cleanly so the client resumes on a frame boundary.
	s.write(w, Response{ID: req.ID, Type: TypeDone, Usage: &usage})
}

func (s *Server) register(id uint64, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancels[id] = cancel
}

func (s *Server) unregister(id uint64) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	delete(s.cancels, id)
}

func (s *Server) cancel(id uint64) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
}

// write marshals and writes one response frame followed by a newline.
func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("worker: marshal response", "error", err)
		return
	}
	data = append(data, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("worker: write response", "error", err)
	}
}
