package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// LaunchConfig describes how to start a backend process.
type LaunchConfig struct {
	// Binary is the backend executable.
	Binary string
	// ListenAddr asks the backend to listen on a fixed "kind:addr". When
	// empty the backend picks an address itself.
	ListenAddr string
	// Debug enables the backend's own debug output.
	Debug bool
	// StartTimeout bounds the wait for the backend to print its address.
	StartTimeout time.Duration
	// StopTimeout is how long Stop waits after SIGTERM before killing.
	StopTimeout time.Duration

	Logger zerolog.Logger
}

// DefaultLaunchConfig returns launch defaults for binary.
func DefaultLaunchConfig(binary string) LaunchConfig {
	return LaunchConfig{
		Binary:       binary,
		StartTimeout: 10 * time.Second,
		StopTimeout:  5 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// Backend is a backend process started by StartBackend.
type Backend struct {
	// Addr is the "kind:addr" address the backend announced.
	Addr string

	cmd         *exec.Cmd
	stopTimeout time.Duration
	log         zerolog.Logger

	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
}

// Args returns the command line flags passed to the backend.
func (cfg LaunchConfig) Args() []string {
	var args []string
	if cfg.ListenAddr != "" {
		args = append(args, "--msglisten", cfg.ListenAddr)
	} else {
		args = append(args, "--msgauto")
	}
	if cfg.Debug {
		args = append(args, "--dbg")
	}
	return args
}

// StartBackend runs the backend and waits for the first line of its output,
// which is the address to connect to.
func StartBackend(ctx context.Context, cfg LaunchConfig) (*Backend, error) {
	if cfg.Binary == "" {
		return nil, errors.New("no backend binary configured")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	cmd := exec.Command(cfg.Binary, cfg.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("backend stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend %s: %w", cfg.Binary, err)
	}

	b := &Backend{
		cmd:         cmd,
		stopTimeout: cfg.StopTimeout,
		log:         cfg.Logger.With().Int("pid", cmd.Process.Pid).Logger(),
		done:        make(chan struct{}),
	}
	b.log.Info().Str("binary", cfg.Binary).Strs("args", cfg.Args()).Msg("backend started")

	addrCh := make(chan string, 1)
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stdout)
		first := true
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if first {
				first = false
				addrCh <- line
				continue
			}
			b.log.Debug().Str("stream", "stdout").Msg(line)
		}
		if first {
			close(addrCh)
		}
	}()
	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			b.log.Debug().Str("stream", "stderr").Msg(sc.Text())
		}
	}()
	go func() {
		readers.Wait()
		b.waitErr = cmd.Wait()
		close(b.done)
	}()

	timer := time.NewTimer(cfg.StartTimeout)
	defer timer.Stop()
	select {
	case line, ok := <-addrCh:
		if !ok || line == "" {
			b.Stop()
			return nil, errors.New("backend exited without announcing an address")
		}
		if _, _, err := ParseAddr(line); err != nil {
			b.Stop()
			return nil, fmt.Errorf("backend announced %q: %w", line, err)
		}
		b.Addr = line
		b.log.Info().Str("addr", line).Msg("backend ready")
		return b, nil
	case <-timer.C:
		b.Stop()
		return nil, fmt.Errorf("backend did not announce an address within %s", cfg.StartTimeout)
	case <-ctx.Done():
		b.Stop()
		return nil, ctx.Err()
	}
}

// Done is closed when the backend process exits.
func (b *Backend) Done() <-chan struct{} { return b.done }

// Wait blocks until the backend exits and returns its exit status.
func (b *Backend) Wait() error {
	<-b.done
	return b.waitErr
}

// Stop terminates the backend, killing it if it ignores SIGTERM for longer
// than the stop timeout. Safe to call repeatedly.
func (b *Backend) Stop() error {
	b.stopOnce.Do(func() {
		select {
		case <-b.done:
			return
		default:
		}
		if err := b.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = b.cmd.Process.Kill()
		}
		select {
		case <-b.done:
		case <-time.After(b.stopTimeout):
			b.log.Warn().Msg("backend ignored SIGTERM, killing")
			_ = b.cmd.Process.Kill()
			<-b.done
		}
		b.log.Info().Msg("backend stopped")
	})
	<-b.done
	return nil
}
