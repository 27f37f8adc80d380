package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrServerExited is returned for requests in flight when the server
// process ends.
var ErrServerExited = errors.New("mcp server process exited")

const stopGrace = 5 * time.Second

// StdioTransport runs an MCP server as a subprocess and speaks
// newline-delimited JSON-RPC on its stdin and stdout. One reader
// goroutine routes responses to callers by id, so requests may overlap.
// The process starts on first use and restarts after it exits.
type StdioTransport struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger

	mu   sync.Mutex
	proc *stdioProc
}

// NewStdioTransport returns a transport for command. env entries are
// KEY=VALUE pairs added to the inherited environment.
func NewStdioTransport(command string, args, env []string, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		command: command,
		args:    args,
		env:     env,
		logger:  logger,
	}
}

// stdioProc is one running server process.
type stdioProc struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	pending map[int64]chan *Response

	done chan struct{}
	err  error
}

// process returns the running process, starting one if needed.
func (t *StdioTransport) process() (*stdioProc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc != nil {
		select {
		case <-t.proc.done:
		default:
			return t.proc, nil
		}
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)
	cmd.Stderr = &stderrLogger{logger: t.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", t.command, err)
	}

	p := &stdioProc{
		cmd:     cmd,
		logger:  t.logger.With("pid", cmd.Process.Pid),
		stdin:   stdin,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	go p.readLoop(stdout)
	t.proc = p

	p.logger.Info("mcp server process started", "command", t.command)
	return p, nil
}

// readLoop delivers responses until stdout closes, then reaps the
// process.
func (p *stdioProc) readLoop(stdout io.Reader) {
	r := bufio.NewReaderSize(stdout, 1<<20)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			p.deliver(line)
		}
		if err != nil {
			break
		}
	}

	p.err = p.cmd.Wait()
	p.logger.Info("mcp server process exited", "error", p.err)
	close(p.done)
}

func (p *stdioProc) deliver(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		p.logger.Debug("mcp server wrote a non-JSON line", "line", string(line))
		return
	}
	if resp.ID == 0 {
		return
	}

	p.mu.Lock()
	ch, ok := p.pending[resp.ID]
	delete(p.pending, resp.ID)
	p.mu.Unlock()

	if !ok {
		// The caller gave up.
		p.logger.Debug("mcp response for abandoned request", "id", resp.ID)
		return
	}
	ch <- &resp
}

func (p *stdioProc) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to mcp server: %w", err)
	}
	return nil
}

func (p *stdioProc) stop() error {
	p.writeMu.Lock()
	p.stdin.Close()
	p.writeMu.Unlock()

	select {
	case <-p.done:
	case <-time.After(stopGrace):
		p.logger.Warn("mcp server did not exit after stdin closed, killing")
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

// Send implements Transport.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	p, err := t.process()
	if err != nil {
		return nil, err
	}

	ch := make(chan *Response, 1)
	p.mu.Lock()
	p.pending[req.ID] = ch
	p.mu.Unlock()
	abandon := func() {
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
	}

	if err := p.write(req); err != nil {
		abandon()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-p.done:
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrServerExited, p.err)
	}
}

// Notify implements Transport.
func (t *StdioTransport) Notify(_ context.Context, n *Notification) error {
	p, err := t.process()
	if err != nil {
		return err
	}
	return p.write(n)
}

// Close stops the server process, if one is running.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	p := t.proc
	t.proc = nil
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.stop()
}

// stderrLogger logs a server's stderr one line per record.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Debug("mcp server stderr", "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64<<10 {
		w.buf = w.buf[:0]
	}
	return len(b), nil
}
