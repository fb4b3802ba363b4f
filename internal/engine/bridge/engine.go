// Package bridge drives an external engine worker process. Each request and
// response is one JSON object per line on the worker's stdin and stdout, so
// the worker can be written in whatever language hosts the real engine.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/stereoforge/pairbatch/internal/engine"
	"github.com/stereoforge/pairbatch/internal/logging"
)

// Name identifies the backend in settings and the ledger.
const Name = "bridge"

const closeTimeout = 30 * time.Second

// Engine is a document held by a worker.
type Engine struct {
	Logger *slog.Logger

	client *Client
	cmd    *exec.Cmd
}

// Start launches command, opens document in it and returns the engine. The
// worker's stderr is forwarded to the logger.
func Start(ctx context.Context, command []string, document string, logger *slog.Logger) (*Engine, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("engine worker command is empty")
	}
	logger = logging.Ensure(logger)

	// The worker outlives individual calls; it is stopped by Close.
	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine worker %s: %w", command[0], err)
	}
	logger.Info("engine worker started", "command", strings.Join(command, " "), "pid", cmd.Process.Pid)
	go forwardStderr(stderr, logger)

	e, err := Open(ctx, pipeConn{WriteCloser: stdin, ReadCloser: stdout}, document, logger)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, errors.Join(err, waitQuietly(cmd))
	}
	e.cmd = cmd
	return e, nil
}

// Open attaches to a worker already connected through conn and asks it to
// open document.
func Open(ctx context.Context, conn io.ReadWriteCloser, document string, logger *slog.Logger) (*Engine, error) {
	e := &Engine{Logger: logger, client: NewClient(conn, logger)}
	if err := e.client.Call(ctx, OpOpen, "", openArgs{Document: document}, nil); err != nil {
		return nil, errors.Join(fmt.Errorf("open document %s: %w", document, err), e.client.Close())
	}
	return e, nil
}

func (e *Engine) logger() *slog.Logger {
	return logging.Ensure(e.Logger).With("engine", Name)
}

func (e *Engine) CreateUnit(ctx context.Context, label string) (engine.Unit, error) {
	var res createUnitResult
	if err := e.client.Call(ctx, OpCreateUnit, "", createUnitArgs{Label: label}, &res); err != nil {
		return nil, err
	}
	if res.Unit == "" {
		return nil, fmt.Errorf("engine worker returned no id for unit %q", label)
	}
	e.logger().Debug("unit created", "label", label, "unit", res.Unit)
	return &unit{client: e.client, id: res.Unit, label: label}, nil
}

func (e *Engine) Save(ctx context.Context) error {
	return e.client.Call(ctx, OpSave, "", nil, nil)
}

// Close asks the worker to release the document, then closes the transport
// and reaps the process.
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := e.client.Call(ctx, OpClose, "", nil, nil); err != nil && !errors.Is(err, ErrClosed) {
		errs = append(errs, err)
	}
	if err := e.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.cmd != nil {
		if err := e.cmd.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("engine worker exited: %w", err))
		}
	}
	return errors.Join(errs...)
}

func forwardStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("engine worker", "stderr", scanner.Text())
	}
}

func waitQuietly(cmd *exec.Cmd) error {
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// pipeConn joins the worker's stdin and stdout into one connection.
type pipeConn struct {
	io.WriteCloser
	io.ReadCloser
}

func (p pipeConn) Close() error {
	return errors.Join(p.WriteCloser.Close(), p.ReadCloser.Close())
}
