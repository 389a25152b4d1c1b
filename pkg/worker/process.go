package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// maxLineSize bounds a single worker message. Rich outputs inline base64
// payloads, so the cap is generous.
const maxLineSize = 32 << 20

// processTransport is the stdio wire to a worker subprocess: one JSON
// message per line on stdin/stdout, stderr forwarded to the log.
type processTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	writeMu sync.Mutex
}

func startProcessTransport(ctx context.Context, command string, args []string) (*processTransport, error) {
	if command == "" {
		return nil, fmt.Errorf("no worker command configured")
	}
	cmd := exec.CommandContext(ctx, command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	go forwardStderr(stderr)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	return &processTransport{cmd: cmd, stdin: stdin, scanner: scanner}, nil
}

func forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		slog.Warn("Worker stderr", "line", scanner.Text())
	}
}

func (t *processTransport) Send(req ControlRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode control request: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to write to worker: %w", err)
	}
	return nil
}

func (t *processTransport) Recv() (workerMessage, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg workerMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// A malformed frame means the channel can no longer be
			// trusted; treat it as a crash.
			return workerMessage{}, fmt.Errorf("malformed worker message: %w", err)
		}
		return msg, nil
	}
	if err := t.scanner.Err(); err != nil {
		return workerMessage{}, err
	}
	return workerMessage{}, io.EOF
}

func (t *processTransport) Kill() error {
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}
