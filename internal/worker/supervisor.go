// Package worker supervises the worker child process that actually executes
// plans: spawning it, handing it items, relaying pause/resume/stop/abort/halt
// requests, and translating its newline-delimited JSON event stream back into
// models.WorkerEvent values for the queue manager.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/ksunden/bluesky-queueserver/internal/apierr"
	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/ksunden/bluesky-queueserver/internal/models"
)

func newRunListTag() string { return uuid.NewString() }

// Process is a running worker child process: its stdin/stdout pipes plus
// Wait/Kill controls. Spawn implementations construct one of these; tests
// build a Process over in-memory pipes instead of a real subprocess.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Wait   func() error
	Kill   func() error
}

// SpawnFunc starts a worker process bound to ctx (the process is killed if
// ctx is canceled).
type SpawnFunc func(ctx context.Context) (*Process, error)

// ExecSpawner builds a SpawnFunc that starts the worker as a child process
// via os/exec, communicating over its stdin/stdout pipes.
func ExecSpawner(path string, args ...string) SpawnFunc {
	return func(ctx context.Context) (*Process, error) {
		cmd := exec.CommandContext(ctx, path, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open worker stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open worker stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start worker process: %w", err)
		}
		return &Process{
			Stdin:  stdin,
			Stdout: stdout,
			Wait:   cmd.Wait,
			Kill:   func() error { return cmd.Process.Kill() },
		}, nil
	}
}

// Supervisor owns a single worker child process for the lifetime of a
// spawn/shutdown (or spawn/kill) cycle.
type Supervisor struct {
	logger *common.Logger
	spawn  SpawnFunc

	mu      sync.Mutex
	proc    *Process
	cancel  context.CancelFunc
	enc     *json.Encoder
	wg      sync.WaitGroup
	events  chan models.WorkerEvent

	runs       map[string]models.RunEntry
	runOrder   []string
	runListTag string
}

// NewSupervisor creates a Supervisor that spawns processes via spawn.
func NewSupervisor(logger *common.Logger, spawn SpawnFunc) *Supervisor {
	return &Supervisor{
		logger:   logger,
		spawn:    spawn,
		events:   make(chan models.WorkerEvent, 64),
		runs:     make(map[string]models.RunEntry),
	}
}

// Events returns the channel of lifecycle events forwarded from the worker.
// There is exactly one reader of this channel: the queue manager's event loop.
func (s *Supervisor) Events() <-chan models.WorkerEvent { return s.events }

// safeGo launches a goroutine with panic recovery and logging, tracked by
// the supervisor's WaitGroup so Shutdown/Kill can wait for it to finish.
func (s *Supervisor) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in worker supervisor goroutine")
			}
		}()
		fn()
	}()
}

// Spawn starts the worker process and begins reading its event stream.
func (s *Supervisor) Spawn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return apierr.State("worker is already spawned")
	}

	childCtx, cancel := context.WithCancel(ctx)
	proc, err := s.spawn(childCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to spawn worker: %w", err)
	}

	s.proc = proc
	s.cancel = cancel
	s.enc = json.NewEncoder(proc.Stdin)

	s.safeGo("worker-reader", func() { s.readLoop(proc.Stdout) })
	return nil
}

func (s *Supervisor) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wire wireEvent
		if err := json.Unmarshal(line, &wire); err != nil {
			s.logger.Warn().Str("line", string(line)).Msg("discarding malformed worker event")
			continue
		}
		s.handleWireEvent(wire)
	}
	s.events <- models.WorkerEvent{Kind: models.WorkerEventExited}
}

func (s *Supervisor) handleWireEvent(wire wireEvent) {
	switch wire.Kind {
	case eventRunEvent:
		if wire.Run == nil {
			return
		}
		s.recordRun(*wire.Run)
		return
	case eventReady:
		s.events <- models.WorkerEvent{Kind: models.WorkerEventReady}
	case eventExited:
		s.events <- models.WorkerEvent{Kind: models.WorkerEventExited}
	case eventPlanStarted:
		s.events <- models.WorkerEvent{Kind: models.WorkerEventPlanStarted}
	case eventPlanPaused:
		s.events <- models.WorkerEvent{Kind: models.WorkerEventPlanPaused}
	case eventPlanCompleted:
		s.events <- models.WorkerEvent{Kind: models.WorkerEventPlanCompleted, ExitStatus: wire.ExitStatus, RunUIDs: wire.RunUIDs}
	case eventPlanStopped:
		s.events <- models.WorkerEvent{Kind: models.WorkerEventPlanStopped, ExitStatus: wire.ExitStatus, RunUIDs: wire.RunUIDs}
	case eventPlanErrored:
		s.events <- models.WorkerEvent{Kind: models.WorkerEventPlanErrored, ExitStatus: wire.ExitStatus, RunUIDs: wire.RunUIDs, Err: wire.Err}
	default:
		s.logger.Warn().Str("kind", wire.Kind).Msg("ignoring unrecognized worker event kind")
	}
}

// recordRun updates the live run cache from a single open/close notification
// and emits a run_list_changed event carrying the full snapshot.
func (s *Supervisor) recordRun(wr wireRun) {
	s.mu.Lock()
	entry := models.RunEntry{UID: wr.UID, IsOpen: wr.IsOpen, ExitStatus: wr.ExitStatus}
	if _, existed := s.runs[wr.UID]; !existed {
		s.runOrder = append(s.runOrder, wr.UID)
	}
	s.runs[wr.UID] = entry
	s.runListTag = newRunListTag()
	snapshot := s.runsSnapshotLocked(models.RunListAll)
	s.mu.Unlock()

	s.events <- models.WorkerEvent{Kind: models.WorkerEventRunListChanged, Runs: snapshot}
}

func (s *Supervisor) runsSnapshotLocked(filter models.RunListFilter) []models.RunEntry {
	out := make([]models.RunEntry, 0, len(s.runOrder))
	for _, uid := range s.runOrder {
		entry := s.runs[uid]
		switch filter {
		case models.RunListOpen:
			if !entry.IsOpen {
				continue
			}
		case models.RunListClosed:
			if entry.IsOpen {
				continue
			}
		}
		out = append(out, entry)
	}
	return out
}

// QueryRuns returns the cached run list filtered per the spec's four views.
// "active" is a synonym for the full list, per the worker supervisor's
// documented filter semantics.
func (s *Supervisor) QueryRuns(filter models.RunListFilter) []models.RunEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runsSnapshotLocked(filter)
}

// RunListTag returns the current run_list_uid.
func (s *Supervisor) RunListTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runListTag
}

func (s *Supervisor) send(cmd wireCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return apierr.State("worker is not spawned")
	}
	if err := s.enc.Encode(cmd); err != nil {
		return fmt.Errorf("failed to send command to worker: %w", err)
	}
	return nil
}

// Execute hands item to the worker to run.
func (s *Supervisor) Execute(item models.Item) error {
	return s.send(wireCommand{Cmd: cmdExecute, Item: &item})
}

// Pause requests the worker pause at the point option describes.
func (s *Supervisor) Pause(option models.PauseOption) error {
	return s.send(wireCommand{Cmd: cmdPause, Option: string(option)})
}

// Resume continues a paused plan.
func (s *Supervisor) Resume() error { return s.send(wireCommand{Cmd: cmdResume}) }

// Stop cleanly terminates the current plan; the manager is responsible for
// requeuing it per the stopped-item semantics.
func (s *Supervisor) Stop() error { return s.send(wireCommand{Cmd: cmdStop}) }

// Abort terminates the current plan without requeue.
func (s *Supervisor) Abort() error { return s.send(wireCommand{Cmd: cmdAbort}) }

// Halt terminates the current plan without requeue, more forcefully than Abort.
func (s *Supervisor) Halt() error { return s.send(wireCommand{Cmd: cmdHalt}) }

// Shutdown asks the worker to exit cleanly and waits for it to do so.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return apierr.State("worker is not spawned")
	}
	if err := s.send(wireCommand{Cmd: cmdShutdown}); err != nil {
		return err
	}
	err := proc.Wait()
	s.wg.Wait()
	s.mu.Lock()
	s.cancel()
	s.proc = nil
	s.mu.Unlock()
	return err
}

// Kill is a fault-injection hook: it terminates the worker process
// immediately, without the shutdown handshake, simulating a crash.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return apierr.State("worker is not spawned")
	}
	err := proc.Kill()
	s.wg.Wait()
	s.mu.Lock()
	s.cancel()
	s.proc = nil
	s.mu.Unlock()
	return err
}
