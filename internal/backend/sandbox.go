package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"fireside/internal/domain"
	"fireside/internal/tokenizer"
	"fireside/internal/wire"
)

const (
	// maxWorkerFrame mirrors the worker-side frame bound.
	maxWorkerFrame = 4 << 20

	defaultLoadTimeout = 2 * time.Minute
	defaultCallTimeout = 30 * time.Second

	// defaultStreamIdleTimeout bounds the gap between worker frames during a
	// generation. A wedged worker fails the stream instead of hanging it.
	defaultStreamIdleTimeout = 90 * time.Second

	// shutdownGrace is how long a clean worker shutdown may take before the
	// process is killed.
	shutdownGrace = 5 * time.Second
)

// frameResult is one parsed worker frame, or the fatal read error that ended
// the worker's output stream.
type frameResult struct {
	resp wire.Response
	err  error
}

// workerProc is a running worker: a write end, a channel of parsed frames,
// and a kill switch. Tests substitute in-memory pipes for a real process.
type workerProc struct {
	stdin    io.Writer
	writeMu  sync.Mutex
	frames   chan frameResult
	killOnce sync.Once
	kill     func()
}

func newWorkerProc(stdin io.Writer, stdout io.Reader, kill func()) *workerProc {
	p := &workerProc{
		stdin:  stdin,
		frames: make(chan frameResult, streamBuffer),
		kill:   kill,
	}
	go p.readLoop(stdout)
	return p
}

// readLoop parses worker output line by line. A malformed line is fatal: the
// frame boundary is lost and nothing after it can be trusted.
func (p *workerProc) readLoop(stdout io.Reader) {
	defer close(p.frames)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxWorkerFrame)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp wire.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			p.frames <- frameResult{err: &domain.ProtocolError{Detail: "malformed worker frame", Err: err}}
			return
		}
		p.frames <- frameResult{resp: resp}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	p.frames <- frameResult{err: &domain.ProtocolError{Detail: "worker output ended", Err: err}}
}

func (p *workerProc) send(req wire.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("sandbox marshal: %w", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return &domain.ProtocolError{Detail: "write to worker", Err: err}
	}
	return nil
}

func (p *workerProc) terminate() {
	p.killOnce.Do(p.kill)
}

// SandboxedOption is a functional option for configuring Sandboxed.
type SandboxedOption func(*Sandboxed)

// WithSandboxLogger sets a structured logger. If l is nil it is ignored.
func WithSandboxLogger(l *slog.Logger) SandboxedOption {
	return func(b *Sandboxed) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithSandboxIdleTimeout overrides the mid-stream idle timeout.
func WithSandboxIdleTimeout(d time.Duration) SandboxedOption {
	return func(b *Sandboxed) {
		if d > 0 {
			b.idleTimeout = d
		}
	}
}

// WithSandboxLoadTimeout overrides the model load timeout.
func WithSandboxLoadTimeout(d time.Duration) SandboxedOption {
	return func(b *Sandboxed) {
		if d > 0 {
			b.loadTimeout = d
		}
	}
}

// Sandboxed runs the engine in a separate worker process and speaks the
// newline-delimited JSON protocol over its stdin/stdout. A crashing engine
// takes down the worker, not the application; the client surfaces it as a
// ProtocolError and releases the dead handle.
//
// Requests are serialized on a single lane: the worker handles one request
// at a time, with cancel frames as the only out-of-band traffic.
type Sandboxed struct {
	logger      *slog.Logger
	start       func(settings domain.ModelSettings) (*workerProc, error)
	loadTimeout time.Duration
	callTimeout time.Duration
	idleTimeout time.Duration
	counter     *tokenizer.MessageCounter

	mu     sync.Mutex // the lane: held for every request, including whole streams
	proc   *workerProc
	loaded bool
	nextID atomic.Uint64

	streaming atomic.Bool
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSandboxed creates a sandboxed backend. The worker process starts on Load.
func NewSandboxed(opts ...SandboxedOption) *Sandboxed {
	b := &Sandboxed{
		logger:      slog.Default(),
		loadTimeout: defaultLoadTimeout,
		callTimeout: defaultCallTimeout,
		idleTimeout: defaultStreamIdleTimeout,
		counter:     tokenizer.NewMessageCounter(tokenizer.Heuristic{}),
	}
	b.start = b.startProcess
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// startProcess spawns the worker executable. Its stdout carries protocol
// frames only; stderr passes through for worker logs.
func (b *Sandboxed) startProcess(settings domain.ModelSettings) (*workerProc, error) {
	if settings.WorkerPath == "" {
		return nil, errors.New("worker path not configured")
	}
	cmd := exec.Command(settings.WorkerPath)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", settings.WorkerPath, err)
	}
	b.logger.Info("backend: worker started", "path", settings.WorkerPath, "pid", cmd.Process.Pid)

	kill := func() {
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }() // reap
	}
	return newWorkerProc(stdin, stdout, kill), nil
}

// Load starts (or restarts) the worker and asks it to load the model.
func (b *Sandboxed) Load(ctx context.Context, settings domain.ModelSettings) error {
	if err := settings.Validate(); err != nil {
		return &domain.LoadError{Backend: domain.BackendSandboxed, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc != nil {
		b.shutdownLocked()
	}

	proc, err := b.start(settings)
	if err != nil {
		return &domain.LoadError{Backend: domain.BackendSandboxed, Err: err}
	}
	b.proc = proc

	id := b.nextID.Add(1)
	if err := proc.send(wire.Request{ID: id, Kind: wire.KindLoad, Settings: &settings}); err != nil {
		b.failLocked()
		return &domain.LoadError{Backend: domain.BackendSandboxed, Err: err}
	}
	resp, err := b.awaitLocked(ctx, id, b.loadTimeout)
	if err != nil {
		b.failLocked()
		return &domain.LoadError{Backend: domain.BackendSandboxed, Err: err}
	}
	if resp.Type == wire.TypeError {
		return &domain.LoadError{Backend: domain.BackendSandboxed, Err: errors.New(resp.Message)}
	}
	b.loaded = true
	b.logger.Info("backend: model loaded", "backend", "sandboxed", "model", settings.Model)
	return nil
}

// StreamChat sends a chat request and relays the worker's token frames. The
// lane stays held until the worker's terminal frame arrives, so a stopped
// generation leaves the protocol on a clean frame boundary.
func (b *Sandboxed) StreamChat(ctx context.Context, messages []domain.Message, params domain.SamplingParams) (<-chan domain.StreamEvent, error) {
	b.mu.Lock()
	if b.proc == nil || !b.loaded {
		b.mu.Unlock()
		return nil, domain.ErrNotLoaded
	}

	id := b.nextID.Add(1)
	p := params
	if err := b.proc.send(wire.Request{ID: id, Kind: wire.KindChat, Messages: messages, Params: &p}); err != nil {
		b.failLocked()
		b.mu.Unlock()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	b.cancelMu.Lock()
	b.cancel = cancel
	b.cancelMu.Unlock()
	b.streaming.Store(true)

	out := make(chan domain.StreamEvent, streamBuffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.mu.Unlock()
		defer b.streaming.Store(false)
		defer close(out)
		defer cancel()
		b.relayWorkerStream(streamCtx, id, out)
	}()
	return out, nil
}

// relayWorkerStream consumes frames for one chat id. On cancellation it
// sends a cancel frame and keeps draining; the worker's done frame restores
// the boundary and carries the partial usage. Runs with the lane held.
func (b *Sandboxed) relayWorkerStream(ctx context.Context, id uint64, out chan<- domain.StreamEvent) {
	cancelled := false
	ctxDone := ctx.Done()

	requestCancel := func() bool {
		cancelled = true
		ctxDone = nil
		if err := b.proc.send(wire.Request{ID: id, Kind: wire.KindCancel}); err != nil {
			b.failLocked()
			out <- domain.StreamEvent{Err: err}
			return false
		}
		return true
	}

	watchdog := time.NewTimer(b.idleTimeout)
	defer watchdog.Stop()
	for {
		select {
		case <-ctxDone:
			if !requestCancel() {
				return
			}

		case <-watchdog.C:
			b.failLocked()
			out <- domain.StreamEvent{Err: &domain.TimeoutError{What: "worker stream", Err: context.DeadlineExceeded}}
			return

		case fr, ok := <-b.proc.frames:
			if !ok {
				b.failLocked()
				out <- domain.StreamEvent{Err: &domain.ProtocolError{Detail: "worker output closed", Err: io.EOF}}
				return
			}
			if fr.err != nil {
				b.failLocked()
				out <- domain.StreamEvent{Err: fr.err}
				return
			}
			resp := fr.resp
			if resp.ID != id {
				continue // stale frame from an earlier, cancelled request
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(b.idleTimeout)

			switch resp.Type {
			case wire.TypeToken:
				if cancelled {
					continue // draining to the terminal frame
				}
				select {
				case out <- domain.StreamEvent{Delta: resp.Text}:
				case <-ctxDone:
					if !requestCancel() {
						return
					}
				}

			case wire.TypeDone:
				usage := resp.Usage
				if usage == nil {
					usage = &domain.Usage{}
				}
				out <- domain.StreamEvent{Usage: usage}
				return

			case wire.TypeError:
				out <- domain.StreamEvent{Err: &domain.GenerationError{Err: errors.New(resp.Message)}}
				return

			default:
				b.failLocked()
				out <- domain.StreamEvent{Err: &domain.ProtocolError{Detail: "unknown frame type " + resp.Type}}
				return
			}
		}
	}
}

// CountTokens asks the worker for an exact count when the lane is free.
// While a generation is streaming (or no worker is running) it falls back to
// the chars/4 heuristic rather than blocking behind the stream.
func (b *Sandboxed) CountTokens(messages []domain.Message) (int, error) {
	if b.streaming.Load() {
		return b.counter.CountMessages(messages)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == nil || !b.loaded {
		return b.counter.CountMessages(messages)
	}

	id := b.nextID.Add(1)
	if err := b.proc.send(wire.Request{ID: id, Kind: wire.KindCountTokens, Messages: messages}); err != nil {
		b.failLocked()
		return 0, err
	}
	resp, err := b.awaitLocked(context.Background(), id, b.callTimeout)
	if err != nil {
		b.failLocked()
		return 0, err
	}
	if resp.Type == wire.TypeError {
		return 0, fmt.Errorf("sandbox count_tokens: %s", resp.Message)
	}
	return resp.Count, nil
}

// Unload cancels any in-flight stream, then shuts the worker down.
func (b *Sandboxed) Unload() error {
	b.cancelMu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancelMu.Unlock()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == nil {
		b.loaded = false
		return nil
	}
	b.shutdownLocked()
	return nil
}

// awaitLocked waits for the terminal frame answering request id, discarding
// stale frames left over from cancelled requests. Caller holds the lane.
func (b *Sandboxed) awaitLocked(ctx context.Context, id uint64, timeout time.Duration) (wire.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case fr, ok := <-b.proc.frames:
			if !ok {
				return wire.Response{}, &domain.ProtocolError{Detail: "worker output closed", Err: io.EOF}
			}
			if fr.err != nil {
				return wire.Response{}, fr.err
			}
			if fr.resp.ID != id || fr.resp.Type == wire.TypeToken {
				continue
			}
			return fr.resp, nil
		case <-timer.C:
			return wire.Response{}, &domain.TimeoutError{What: "worker response", Err: context.DeadlineExceeded}
		case <-ctx.Done():
			return wire.Response{}, ctx.Err()
		}
	}
}

// shutdownLocked attempts a clean unload+shutdown, then kills the process.
func (b *Sandboxed) shutdownLocked() {
	id := b.nextID.Add(1)
	if err := b.proc.send(wire.Request{ID: id, Kind: wire.KindUnload}); err == nil {
		_, _ = b.awaitLocked(context.Background(), id, shutdownGrace)
		id = b.nextID.Add(1)
		if err := b.proc.send(wire.Request{ID: id, Kind: wire.KindShutdown}); err == nil {
			_, _ = b.awaitLocked(context.Background(), id, shutdownGrace)
		}
	}
	b.proc.terminate()
	b.proc = nil
	b.loaded = false
}

// failLocked releases a dead or untrustworthy worker. Caller holds the lane.
func (b *Sandboxed) failLocked() {
	b.logger.Warn("backend: releasing worker after failure")
	b.proc.terminate()
	b.proc = nil
	b.loaded = false
}

var _ domain.ModelBackend = (*Sandboxed)(nil)
