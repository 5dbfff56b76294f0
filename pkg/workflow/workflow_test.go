package workflow

import (
	"bufio"
	"encoding/json"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ccswarm/engine/pkg/config"
	"github.com/ccswarm/engine/pkg/distributor"
	"github.com/ccswarm/engine/pkg/workerpool"
	"github.com/ccswarm/engine/pkg/workitem"
)

// TestMain turns this test binary into a worker helper process when invoked
// with the marker env var set, mirroring pkg/workerpool's and
// pkg/distributor's fixture-free approach to exercising real child
// processes.
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

type fanoutInput struct {
	Fanout int `json:"fanout"`
}

// runHelperWorker fans each executed item's input "fanout" count out into
// that many children, each carrying the same fanout for the next level, so
// a test can assert on the geometric growth across the five-level
// expansion. An optional per-execute delay lets a test exercise the
// driver's own level-quiesce timeout.
func runHelperWorker() {
	out := json.NewEncoder(os.Stdout)

	delay := time.Duration(0)
	if v := os.Getenv("CCSWARM_TEST_HELPER_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			delay = time.Duration(n) * time.Millisecond
		}
	}

	enc := func(kind string, payload any) {
		var raw json.RawMessage
		if payload != nil {
			if data, err := json.Marshal(payload); err == nil {
				raw = data
			}
		}
		out.Encode(map[string]any{"kind": kind, "payload": raw})
	}

	enc("READY", nil)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

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
			var execMsg struct {
				ID      string `json:"id"`
				Payload []byte `json:"payload"`
			}
			json.Unmarshal(msg.Payload, &execMsg)

			if delay > 0 {
				time.Sleep(delay)
			}

			var in fanoutInput
			json.Unmarshal(execMsg.Payload, &in)

			var kids []ChildSpec
			for i := 0; i < in.Fanout; i++ {
				childInput, _ := json.Marshal(fanoutInput{Fanout: in.Fanout})
				kids = append(kids, ChildSpec{
					ID:    execMsg.ID + "-c" + strconv.Itoa(i),
					Input: childInput,
				})
			}
			data, _ := json.Marshal(childrenPayload{Children: kids})
			enc("RESULT", map[string]any{"id": execMsg.ID, "success": true, "result": data})

		case "TERMINATE":
			return
		}
	}
}

func TestRunHierarchyExpandsFiveLevelsAndCompletes(t *testing.T) {
	pool := workerpool.New(helperWorkerConfig())
	if err := pool.SpawnN(4); err != nil {
		t.Fatalf("SpawnN failed: %v", err)
	}
	defer pool.TerminateAll()

	d := distributor.New(pool, 4)
	d.Start()
	defer d.Stop()

	driver := New(d, pool, WithLevelTimeout(5*time.Second))

	seedInput, _ := json.Marshal(fanoutInput{Fanout: 2})
	report := driver.RunHierarchy(Seed{ID: "root", Input: seedInput, Complexity: workitem.ComplexityLow})

	if report.Err != nil {
		t.Fatalf("unexpected error: %v", report.Err)
	}
	if len(report.Levels) != 5 {
		t.Fatalf("expected 5 level results, got %d", len(report.Levels))
	}

	wantCounts := []int{1, 2, 4, 8, 16}
	wantKinds := []workitem.Kind{
		workitem.KindProject,
		workitem.KindInitiative,
		workitem.KindFeature,
		workitem.KindStory,
		workitem.KindTask,
	}
	for i, lvl := range report.Levels {
		if lvl.Level != wantKinds[i] {
			t.Errorf("level %d: expected kind %s, got %s", i, wantKinds[i], lvl.Level)
		}
		if len(lvl.Succeeded) != wantCounts[i] {
			t.Errorf("level %d (%s): expected %d succeeded, got %d (%v)", i, lvl.Level, wantCounts[i], len(lvl.Succeeded), lvl.Succeeded)
		}
		if len(lvl.Failed) != 0 || len(lvl.Abandoned) != 0 {
			t.Errorf("level %d (%s): expected no failures or abandonment, got failed=%v abandoned=%v", i, lvl.Level, lvl.Failed, lvl.Abandoned)
		}
	}

	if report.Metrics.Completed != 31 { // 1+2+4+8+16
		t.Errorf("expected 31 completed items across the hierarchy, got %d", report.Metrics.Completed)
	}
}

func TestWithMaxRetriesOverridesRootAndChildren(t *testing.T) {
	pool := workerpool.New(helperWorkerConfig())
	if err := pool.SpawnN(2); err != nil {
		t.Fatalf("SpawnN failed: %v", err)
	}
	defer pool.TerminateAll()

	d := distributor.New(pool, 2)
	driver := New(d, pool, WithMaxRetries(0))

	root := workitem.New("root", workitem.KindProject, levelPriority[workitem.KindProject], workitem.ComplexityLow)
	if root.MaxRetries == 0 {
		t.Fatal("test setup invalid: workitem.New should not default to 0 retries")
	}
	driver.applyMaxRetries(root)
	if root.MaxRetries != 0 {
		t.Fatalf("expected WithMaxRetries(0) to zero out the root's retry budget, got %d", root.MaxRetries)
	}

	child := workitem.New("child", workitem.KindTask, levelPriority[workitem.KindTask], workitem.ComplexityLow)
	driver.applyMaxRetries(child)
	if child.MaxRetries != 0 {
		t.Fatalf("expected WithMaxRetries(0) to zero out a child's retry budget, got %d", child.MaxRetries)
	}
}

func TestWithoutMaxRetriesKeepsWorkItemDefault(t *testing.T) {
	pool := workerpool.New(helperWorkerConfig())
	if err := pool.SpawnN(1); err != nil {
		t.Fatalf("SpawnN failed: %v", err)
	}
	defer pool.TerminateAll()

	d := distributor.New(pool, 1)
	driver := New(d, pool)

	item := workitem.New("root", workitem.KindProject, levelPriority[workitem.KindProject], workitem.ComplexityLow)
	want := item.MaxRetries
	driver.applyMaxRetries(item)
	if item.MaxRetries != want {
		t.Fatalf("expected no override without WithMaxRetries, got %d want %d", item.MaxRetries, want)
	}
}

func TestRunHierarchyAbandonsStragglersOnLevelTimeout(t *testing.T) {
	cfg := helperWorkerConfig()
	cfg.Env["CCSWARM_TEST_HELPER_DELAY_MS"] = "300"

	pool := workerpool.New(cfg)
	if err := pool.SpawnN(1); err != nil {
		t.Fatalf("SpawnN failed: %v", err)
	}
	defer pool.TerminateAll()

	d := distributor.New(pool, 1)
	d.Start()
	defer d.Stop()

	driver := New(d, pool, WithLevelTimeout(50*time.Millisecond))

	seedInput, _ := json.Marshal(fanoutInput{Fanout: 1})
	report := driver.RunHierarchy(Seed{ID: "root", Input: seedInput, Complexity: workitem.ComplexityLow})

	if report.Err == nil {
		t.Fatal("expected a level-quiesce timeout error")
	}
	if len(report.Levels) != 1 {
		t.Fatalf("expected exactly 1 level result before abandonment, got %d", len(report.Levels))
	}
	if len(report.Levels[0].Abandoned) != 1 || report.Levels[0].Abandoned[0] != "root" {
		t.Fatalf("expected root to be abandoned, got %v", report.Levels[0].Abandoned)
	}
}
