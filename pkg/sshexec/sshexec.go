package sshexec

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/teledeck/teledeck/pkg/config"
	"github.com/teledeck/teledeck/pkg/logger"
)

// Status classifies the outcome of one remote execution.
type Status string

const (
	// StatusOK means the command completed with exit status zero.
	StatusOK Status = "ok"
	// StatusExit means the command completed with a nonzero exit status.
	StatusExit Status = "exit"
	// StatusTimeout means the command did not complete within the
	// configured execution timeout. The remote process is not killed;
	// its fate past the timeout is best-effort.
	StatusTimeout Status = "timeout"
	// StatusTransport means the command never ran: connection,
	// authentication or host-key failure.
	StatusTransport Status = "transport"
)

// timeoutExitCode follows the GNU timeout convention the original tooling
// reported for overruns.
const timeoutExitCode = 124

// Result is the transient outcome of one Run call.
type Result struct {
	Status    Status
	ExitCode  int
	Output    string
	Truncated bool
	Elapsed   time.Duration
	// Diag carries a human-readable diagnostic for transport failures.
	Diag string
}

// Success reports whether the command ran and exited zero.
func (r Result) Success() bool {
	return r.Status == StatusOK
}

// Runner executes shell commands on one remote host over SSH. It keeps a
// single client, probes it before reuse and redials when the probe fails.
// No retry policy lives here; a failed run is surfaced immediately.
type Runner struct {
	addr           string
	clientConfig   *ssh.ClientConfig
	execTimeout    time.Duration
	maxOutputBytes int

	// mu guards client. Sessions multiplex over one connection, so
	// concurrent Runs share the client; only the dial/drop paths lock.
	mu     sync.Mutex
	client *ssh.Client
}

// NewRunner builds a Runner from resolved SSH material.
func NewRunner(addr string, cc *ssh.ClientConfig, execTimeout time.Duration, maxOutputBytes int) *Runner {
	return &Runner{
		addr:           addr,
		clientConfig:   cc,
		execTimeout:    execTimeout,
		maxOutputBytes: maxOutputBytes,
	}
}

// FromConfig materializes key material under runtimeDir and builds a
// Runner. A base64 key is written to disk with 0600 perms; a pinned
// known-hosts line switches verification to strict.
func FromConfig(cfg config.SSHConfig, runtimeDir string) (*Runner, error) {
	keyData, err := loadKey(cfg, runtimeDir)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	hostKeyCallback, err := hostKeyCallbackFor(cfg, runtimeDir)
	if err != nil {
		return nil, err
	}

	cc := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         time.Duration(cfg.ConnectTimeoutSec) * time.Second,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	return NewRunner(addr, cc, time.Duration(cfg.ExecTimeoutSec)*time.Second, cfg.MaxOutputBytes), nil
}

func loadKey(cfg config.SSHConfig, runtimeDir string) ([]byte, error) {
	if cfg.KeyBase64 != "" {
		keyData, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.KeyBase64))
		if err != nil {
			return nil, fmt.Errorf("decode key_base64: %w", err)
		}
		keyPath := filepath.Join(runtimeDir, "id_key")
		if err := os.WriteFile(keyPath, keyData, 0o600); err != nil {
			return nil, fmt.Errorf("write key file: %w", err)
		}
		return keyData, nil
	}

	keyData, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", cfg.KeyPath, err)
	}
	return keyData, nil
}

func hostKeyCallbackFor(cfg config.SSHConfig, runtimeDir string) (ssh.HostKeyCallback, error) {
	line := strings.TrimSpace(cfg.KnownHostsLine)
	if line == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khPath := filepath.Join(runtimeDir, "known_hosts")
	if err := os.WriteFile(khPath, []byte(line+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write known_hosts: %w", err)
	}
	cb, err := knownhosts.New(khPath)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts line: %w", err)
	}
	return cb, nil
}

// Run executes command on the remote host and classifies the outcome.
// It blocks at most the execution timeout plus session teardown; errors
// never propagate as Go errors, only as Result statuses, so the dispatcher
// has one shape to format.
func (r *Runner) Run(ctx context.Context, command string) Result {
	start := time.Now()

	client, err := r.ensureClient(ctx)
	if err != nil {
		return Result{
			Status:  StatusTransport,
			Elapsed: time.Since(start),
			Diag:    err.Error(),
		}
	}

	session, err := client.NewSession()
	if err != nil {
		// Session setup failing usually means the connection died
		// between probe and use; drop it so the next run redials.
		r.dropClient(client)
		return Result{
			Status:  StatusTransport,
			Elapsed: time.Since(start),
			Diag:    fmt.Sprintf("open session: %v", err),
		}
	}
	defer session.Close()

	logger.DebugCF("sshexec", "Running remote command", map[string]any{
		"addr":    r.addr,
		"command": command,
	})

	type execResult struct {
		output []byte
		err    error
	}
	done := make(chan execResult, 1)
	go func() {
		output, runErr := session.CombinedOutput(command)
		done <- execResult{output: output, err: runErr}
	}()

	timer := time.NewTimer(r.execTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return r.classify(res.output, res.err, time.Since(start))
	case <-timer.C:
		session.Close()
		r.dropClient(client)
		logger.WarnCF("sshexec", "Remote command timed out", map[string]any{
			"timeout": r.execTimeout.String(),
		})
		return Result{
			Status:   StatusTimeout,
			ExitCode: timeoutExitCode,
			Elapsed:  time.Since(start),
			Diag:     fmt.Sprintf("no result within %s", r.execTimeout),
		}
	case <-ctx.Done():
		session.Close()
		r.dropClient(client)
		return Result{
			Status:  StatusTransport,
			Elapsed: time.Since(start),
			Diag:    fmt.Sprintf("cancelled: %v", ctx.Err()),
		}
	}
}

func (r *Runner) classify(output []byte, runErr error, elapsed time.Duration) Result {
	text, truncated := capOutput(string(output), r.maxOutputBytes)

	res := Result{
		Status:    StatusOK,
		Output:    text,
		Truncated: truncated,
		Elapsed:   elapsed,
	}
	if runErr == nil {
		return res
	}

	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		res.Status = StatusExit
		res.ExitCode = exitErr.ExitStatus()
		return res
	}

	res.Status = StatusTransport
	res.Output = ""
	res.Truncated = false
	res.Diag = runErr.Error()
	return res
}

// capOutput bounds the captured output, cutting on a rune boundary.
func capOutput(text string, limit int) (string, bool) {
	if limit <= 0 || len(text) <= limit {
		return text, false
	}
	runes := []rune(text)
	for len(string(runes)) > limit {
		runes = runes[:len(runes)-1]
	}
	return string(runes), true
}

// ensureClient returns a live SSH client, probing a cached one with a
// keepalive request and redialing when it is gone.
func (r *Runner) ensureClient(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		_, _, err := r.client.SendRequest("keepalive@openssh.com", true, nil)
		if err == nil {
			return r.client, nil
		}
		logger.DebugCF("sshexec", "Cached connection dead, redialing", map[string]any{
			"error": err.Error(),
		})
		r.client.Close()
		r.client = nil
	}

	dialDone := make(chan struct{})
	var client *ssh.Client
	var dialErr error
	go func() {
		defer close(dialDone)
		client, dialErr = ssh.Dial("tcp", r.addr, r.clientConfig)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connect: %w", ctx.Err())
	case <-dialDone:
	}
	if dialErr != nil {
		return nil, fmt.Errorf("connect to %s: %w", r.addr, dialErr)
	}

	logger.InfoCF("sshexec", "Connected", map[string]any{"addr": r.addr})
	r.client = client
	return client, nil
}

func (r *Runner) dropClient(client *ssh.Client) {
	r.mu.Lock()
	if r.client == client {
		r.client = nil
	}
	r.mu.Unlock()
	client.Close()
}

// Close tears down the cached connection, if any.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
