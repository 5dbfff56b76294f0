package distributor

import (
	"bufio"
	"encoding/json"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ccswarm/engine/pkg/config"
	"github.com/ccswarm/engine/pkg/workerpool"
	"github.com/ccswarm/engine/pkg/workitem"
)

// TestMain turns this test binary into a worker helper process when invoked
// with the marker env var set, mirroring pkg/workerpool's fixture-free
// approach to exercising real child processes.
func TestMain(m *testing.M) {
	if os.Getenv("CCSWARM_TEST_HELPER") == "1" {
		runHelperWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Command:        os.Args[0],
		Args:           []string{"-test.run=^TestMain$"},
		Env:            map[string]string{"CCSWARM_TEST_HELPER": "1"},
		ReadyTimeoutMs: 2000,
	}
}

func runHelperWorker() {
	out := json.NewEncoder(os.Stdout)
	failAfter := -1
	if v := os.Getenv("CCSWARM_TEST_HELPER_FAIL_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failAfter = n
		}
	}
	succeedAfter := -1
	if v := os.Getenv("CCSWARM_TEST_HELPER_SUCCEED_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			succeedAfter = n
		}
	}
	delay := time.Duration(0)
	if v := os.Getenv("CCSWARM_TEST_HELPER_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			delay = time.Duration(n) * time.Millisecond
		}
	}

	enc := func(kind string, payload any) {
		var raw json.RawMessage
		if payload != nil {
			data, err := json.Marshal(payload)
			if err == nil {
				raw = data
			}
		}
		out.Encode(map[string]any{"kind": kind, "payload": raw})
	}

	enc("READY", nil)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	executed := 0
	for scanner.Scan() {
		var msg struct {
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch msg.Kind {
		case "EXECUTE":
			var exec struct {
				ID      string `json:"id"`
				Payload []byte `json:"payload"`
			}
			json.Unmarshal(msg.Payload, &exec)
			executed++

			if delay > 0 {
				time.Sleep(delay)
			}

			if failAfter >= 0 && executed > failAfter {
				enc("RESULT", map[string]any{"id": exec.ID, "success": false, "error": "simulated failure"})
				continue
			}
			if succeedAfter >= 0 && executed <= succeedAfter {
				enc("RESULT", map[string]any{"id": exec.ID, "success": false, "error": "simulated failure"})
				continue
			}
			enc("RESULT", map[string]any{"id": exec.ID, "success": true, "result": exec.Payload})

		case "TERMINATE":
			return
		}
	}
}

func TestSubmitOrdersByPriorityComplexityDependencies(t *testing.T) {
	d := New(nil, 1)

	low := workitem.New("low", workitem.KindTask, 3, workitem.ComplexityLow)
	critical := workitem.New("critical", workitem.KindTask, 3, workitem.ComplexityCritical)
	urgent := workitem.New("urgent", workitem.KindTask, 1, workitem.ComplexityMedium)

	d.Submit(low, critical, urgent)

	status := d.Status()
	if len(status.Pending) != 3 {
		t.Fatalf("expected 3 pending items, got %d", len(status.Pending))
	}
	if status.Pending[0] != "urgent" {
		t.Fatalf("expected urgent (priority 1) first, got %q", status.Pending[0])
	}
	if status.Pending[1] != "critical" {
		t.Fatalf("expected critical complexity to rank ahead of low at equal priority, got %q", status.Pending[1])
	}
}

func TestDispatchCompletesSuccessfulItem(t *testing.T) {
	pool := workerpool.New(helperWorkerConfig())
	if err := pool.SpawnN(1); err != nil {
		t.Fatalf("SpawnN failed: %v", err)
	}
	defer pool.TerminateAll()

	d := New(pool, 1)
	d.Start()
	defer d.Stop()

	item := workitem.New("task-1", workitem.KindTask, 5, workitem.ComplexityLow)
	item.Input = []byte("payload")
	d.Submit(item)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d.Metrics().Completed == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	m := d.Metrics()
	if m.Completed != 1 {
		t.Fatalf("expected 1 completed item, got %+v", m)
	}
	status := d.Status()
	if len(status.CompletedIDs) != 1 || status.CompletedIDs[0] != "task-1" {
		t.Fatalf("expected task-1 in completed ids, got %v", status.CompletedIDs)
	}
}

func TestDispatchRetriesThenPermanentlyFails(t *testing.T) {
	cfg := helperWorkerConfig()
	cfg.Env["CCSWARM_TEST_HELPER_FAIL_AFTER"] = "0"

	pool := workerpool.New(cfg)
	if err := pool.SpawnN(1); err != nil {
		t.Fatalf("SpawnN failed: %v", err)
	}
	defer pool.TerminateAll()

	d := New(pool, 1)
	d.Start()
	defer d.Stop()

	item := workitem.New("task-1", workitem.KindTask, 5, workitem.ComplexityLow)
	item.MaxRetries = 1
	item.Input = []byte("x")
	d.Submit(item)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d.Metrics().Failed == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	m := d.Metrics()
	if m.Failed != 1 {
		t.Fatalf("expected 1 permanently failed item after exhausting retries, got %+v", m)
	}
	if item.Priority != 4 {
		t.Fatalf("expected priority boosted once to 4, got %d", item.Priority)
	}
}

func TestStrategyFromNameRejectsUnknown(t *testing.T) {
	if _, err := StrategyFromName("dependencies"); err == nil {
		t.Fatal("expected the unsupported dependencies strategy to be rejected")
	}
	if _, err := StrategyFromName("not-a-real-strategy"); err == nil {
		t.Fatal("expected an unknown strategy name to be rejected")
	}
}

func TestStrategyFromNameResolvesAllFive(t *testing.T) {
	names := []string{
		config.StrategyRoundRobin,
		config.StrategyLeastLoaded,
		config.StrategyPriority,
		config.StrategyContextAware,
		config.StrategyHybrid,
	}
	for _, name := range names {
		if _, err := StrategyFromName(name); err != nil {
			t.Errorf("expected strategy %q to resolve, got %v", name, err)
		}
	}
}
