// Command ccworker-fake is a test-double worker process. It speaks the pool's
// newline-delimited JSON control protocol over stdin/stdout without doing any
// real work, letting pkg/workerpool be exercised end-to-end without spawning
// an actual task runner.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type message struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type executePayload struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

type resultPayload struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  []byte `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

type contextPayload struct {
	Blob []byte `json:"blob"`
}

func main() {
	out := json.NewEncoder(os.Stdout)
	fail := os.Getenv("CCWORKER_FAKE_FAIL_AFTER")
	failAfter := -1
	if fail != "" {
		if n, err := strconv.Atoi(fail); err == nil {
			failAfter = n
		}
	}

	send(out, "READY", nil)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	executed := 0
	var preservedContext []byte

	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch msg.Kind {
		case "EXECUTE":
			var exec executePayload
			json.Unmarshal(msg.Payload, &exec)
			executed++

			if failAfter >= 0 && executed > failAfter {
				send(out, "RESULT", resultPayload{ID: exec.ID, Success: false, Error: "simulated failure"})
				continue
			}

			echoed := append([]byte{}, exec.Payload...)
			send(out, "RESULT", resultPayload{ID: exec.ID, Success: true, Result: echoed})

			preservedContext = append(preservedContext, []byte(fmt.Sprintf("task:%s;", exec.ID))...)
			send(out, "CONTEXT", contextPayload{Blob: preservedContext})

		case "CONTEXT":
			var ctx contextPayload
			json.Unmarshal(msg.Payload, &ctx)
			preservedContext = ctx.Blob

		case "STATUS_REQUEST":
			send(out, "STATUS", map[string]any{"stats": map[string]any{"executed": executed}})

		case "TERMINATE":
			return
		}
	}
}

func send(out *json.Encoder, kind string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			raw = data
		}
	}
	out.Encode(message{Kind: kind, Payload: raw})
}
