package execx

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// terminateGrace is how long a supervised child gets to exit after SIGTERM
// before it is killed.
const terminateGrace = 4 * time.Second

// maxOutputLines bounds the retained tail of a child's combined output.
const maxOutputLines = 100

// LineMatcher inspects each combined stdout/stderr line of a supervised
// child. Tunnel providers use it to detect a just-in-time-assigned public
// URL.
type LineMatcher func(line string)

// Child is a single supervised long-lived process.
type Child struct {
	cmd       *exec.Cmd
	startedAt time.Time

	mu     sync.Mutex
	lines  []string
	exited bool
	waitErr error

	done chan struct{}
}

// Supervisor owns at most one supervised child at a time. Starting a new
// child stops any existing one first.
type Supervisor struct {
	mu    sync.Mutex
	child *Child
}

// NewSupervisor constructs an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Start spawns the command as the supervised child, capturing combined
// stdout/stderr and feeding every line to matcher (when non-nil).
func (s *Supervisor) Start(command string, args []string, env []string, matcher LineMatcher) (*Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child != nil && s.child.Alive() {
		if err := s.child.Terminate(); err != nil {
			return nil, fmt.Errorf("stop previous child: %w", err)
		}
	}
	s.child = nil

	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	child := &Child{
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	var scanners sync.WaitGroup
	for _, pipe := range []interface{ Read([]byte) (int, error) }{stdout, stderr} {
		scanners.Add(1)
		go func(r interface{ Read([]byte) (int, error) }) {
			defer scanners.Done()
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
			for scanner.Scan() {
				line := scanner.Text()
				child.appendLine(line)
				if matcher != nil {
					matcher(line)
				}
			}
		}(pipe)
	}

	go func() {
		scanners.Wait()
		err := cmd.Wait()
		child.mu.Lock()
		child.exited = true
		child.waitErr = err
		child.mu.Unlock()
		close(child.done)
	}()

	s.child = child
	return child, nil
}

// Current returns the supervised child, or nil when none was started.
func (s *Supervisor) Current() *Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}

// Stop terminates the supervised child if one is running.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	child := s.child
	s.child = nil
	s.mu.Unlock()

	if child == nil {
		return nil
	}
	return child.Terminate()
}

func (c *Child) appendLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	if len(c.lines) > maxOutputLines {
		c.lines = c.lines[len(c.lines)-maxOutputLines:]
	}
}

// Alive reports whether the child has not yet exited.
func (c *Child) Alive() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.exited
}

// Pid returns the OS process identifier, or 0 when unknown.
func (c *Child) Pid() int {
	if c == nil || c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// StartedAt returns when the child was spawned.
func (c *Child) StartedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.startedAt
}

// Done is closed once the child has exited and its output is drained.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// OutputTail returns the retained tail of the child's combined output.
func (c *Child) OutputTail() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

// Terminate signals the child to exit and escalates to a kill if it is
// still running after the grace period.
func (c *Child) Terminate() error {
	if c == nil || c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	select {
	case <-c.done:
		return nil
	default:
	}

	_ = c.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(terminateGrace)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil
	case <-timer.C:
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill child: %w", err)
		}
		<-c.done
		return nil
	}
}
