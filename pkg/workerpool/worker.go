package workerpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ccswarm/engine/pkg/config"
	"github.com/ccswarm/engine/pkg/logging"
	"github.com/ccswarm/engine/pkg/workitem"
)

// State is a worker's lifecycle state.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateBusy       State = "busy"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// Stats is a per-worker snapshot returned by Pool.Stats.
type Stats struct {
	ID             string
	State          State
	CompletedTasks int
	FailedTasks    int
	StartedAt      time.Time
	LastActivity   time.Time
}

// worker wraps a single spawned child process and its control channel.
type worker struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu             sync.Mutex
	state          State
	current        *workitem.WorkItem
	startedAt      time.Time
	completedTasks int
	failedTasks    int
	lastActivity   time.Time

	memoryLimitMB    int
	taskTimeout      time.Duration
	recycleThreshold int
	preserveContext  bool
	contextBlob      []byte

	results chan ResultPayload
	ready   chan struct{}
	logger  *logging.Logger
}

func spawnWorker(id string, cfg config.WorkerConfig, recycleThreshold int, memoryLimitMB int, taskTimeout time.Duration, preserveContext bool, logger *logging.Logger) (*worker, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)

	if memoryLimitMB <= 0 {
		memoryLimitMB = 512
	}

	env := append([]string{}, os.Environ()...)
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		"CCWORKER_ID="+id,
		"CCWORKER_MEMORY_CAP_MB="+strconv.Itoa(memoryLimitMB),
		"CCWORKER_TASK_TIMEOUT_MS="+strconv.FormatInt(taskTimeout.Milliseconds(), 10),
		"CCWORKER_PRESERVE_CONTEXT="+strconv.FormatBool(preserveContext),
	)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	w := &worker{
		id:               id,
		cmd:              cmd,
		stdin:            stdin,
		stdout:           bufio.NewScanner(stdout),
		state:            StateStarting,
		startedAt:        time.Now(),
		lastActivity:     time.Now(),
		memoryLimitMB:    memoryLimitMB,
		taskTimeout:      taskTimeout,
		recycleThreshold: recycleThreshold,
		preserveContext:  preserveContext,
		results:          make(chan ResultPayload, 1),
		ready:            make(chan struct{}),
		logger:           logger,
	}
	w.stdout.Buffer(make([]byte, 64*1024), 1024*1024)

	go w.readLoop()

	return w, nil
}

// awaitReady blocks until the worker signals READY or the timeout elapses.
func (w *worker) awaitReady(timeout time.Duration) error {
	select {
	case <-w.ready:
		w.mu.Lock()
		state := w.state
		w.mu.Unlock()
		if state != StateReady {
			return fmt.Errorf("worker %s transitioned to %s before becoming ready", w.id, state)
		}
		return nil
	case <-time.After(timeout):
		_ = w.kill()
		return fmt.Errorf("worker %s did not signal ready within %s", w.id, timeout)
	}
}

// readLoop consumes newline-delimited JSON messages from the child's stdout.
func (w *worker) readLoop() {
	for w.stdout.Scan() {
		line := w.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		w.handleMessage(msg)
	}

	w.mu.Lock()
	wasStarting := w.state == StateStarting
	if w.state != StateTerminated {
		w.state = StateError
	}
	w.mu.Unlock()
	if wasStarting {
		close(w.ready)
	}
}

func (w *worker) handleMessage(msg Message) {
	w.touch()

	switch msg.Kind {
	case MsgReady:
		w.mu.Lock()
		wasStarting := w.state == StateStarting
		if wasStarting {
			w.state = StateReady
		}
		w.mu.Unlock()
		if wasStarting {
			close(w.ready)
		}

	case MsgResult:
		var payload ResultPayload
		if err := json.Unmarshal(msg.Payload, &payload); err == nil {
			select {
			case w.results <- payload:
			default:
			}
		}

	case MsgContext:
		var payload ContextPayload
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && w.preserveContext {
			w.mu.Lock()
			w.contextBlob = payload.Blob
			w.mu.Unlock()
		}

	case MsgStatus, MsgLog:
		// Informational; surfaced through the logger only.
		if w.logger != nil {
			w.logger.Debug(logging.CategoryWorkerPool, string(msg.Kind), w.id, nil)
		}

	case MsgError:
		var payload ErrorPayload
		json.Unmarshal(msg.Payload, &payload)
		w.mu.Lock()
		w.state = StateError
		w.mu.Unlock()
		if w.logger != nil {
			w.logger.Error(logging.CategoryWorkerPool, "worker_error", payload.Description, map[string]any{"worker_id": w.id})
		}
	}
}

// send writes one message to the worker's stdin.
func (w *worker) send(kind MessageKind, payload any) error {
	msg := Message{Kind: kind, Payload: encodePayload(payload)}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.stdin.Write(data)
	return err
}

// execute sends an EXECUTE message and waits for the matching RESULT, up to
// the item's effective timeout.
func (w *worker) execute(item *workitem.WorkItem) (workitem.Result, error) {
	w.mu.Lock()
	w.state = StateBusy
	w.current = item
	w.mu.Unlock()

	start := time.Now()
	if err := w.send(MsgExecute, ExecutePayload{ID: item.ID, Payload: item.Input}); err != nil {
		return workitem.Result{}, fmt.Errorf("sending execute to worker %s: %w", w.id, err)
	}

	timeout := item.EffectiveTimeout()
	select {
	case payload := <-w.results:
		duration := time.Since(start)
		w.mu.Lock()
		w.state = StateReady
		w.current = nil
		if payload.Success {
			w.completedTasks++
		} else {
			w.failedTasks++
		}
		w.mu.Unlock()
		w.touch()

		return workitem.Result{
			WorkItemID: item.ID,
			Success:    payload.Success,
			Data:       payload.Result,
			Err:        payload.Error,
			Duration:   duration,
			WorkerID:   w.id,
			Timestamp:  time.Now(),
		}, nil

	case <-time.After(timeout):
		w.mu.Lock()
		w.failedTasks++
		w.state = StateError
		w.current = nil
		w.mu.Unlock()
		return workitem.Result{
			WorkItemID: item.ID,
			Success:    false,
			Err:        "execution timeout",
			Duration:   timeout,
			WorkerID:   w.id,
			Timestamp:  time.Now(),
		}, fmt.Errorf("worker %s timed out executing %s", w.id, item.ID)
	}
}

func (w *worker) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

func (w *worker) snapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		ID:             w.id,
		State:          w.state,
		CompletedTasks: w.completedTasks,
		FailedTasks:    w.failedTasks,
		StartedAt:      w.startedAt,
		LastActivity:   w.lastActivity,
	}
}

func (w *worker) shouldRecycle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recycleThreshold > 0 && w.completedTasks >= w.recycleThreshold
}

func (w *worker) snapshotContext() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(w.contextBlob))
	copy(cp, w.contextBlob)
	return cp
}

// terminate sends TERMINATE and waits up to grace for a graceful exit,
// force-killing afterward.
func (w *worker) terminate(grace time.Duration) error {
	w.mu.Lock()
	w.state = StateTerminated
	w.mu.Unlock()

	_ = w.send(MsgTerminate, nil)

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return w.kill()
	}
}

func (w *worker) kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}
