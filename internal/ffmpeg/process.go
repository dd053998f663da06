// Package ffmpeg spawns and supervises FFmpeg processes.
package ffmpeg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanikai/protectbridge/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ffmpeg")

const (
	// Delay between asking FFmpeg to stop and killing it.
	killDelay = 5 * time.Second

	// Diagnostic lines retained for error reports.
	maxStderrLines = 50
)

var ErrAlreadyStarted = errors.New("ffmpeg: process already started")

type Options struct {
	// FFmpeg executable.
	Path string

	// Device name used to attribute log messages.
	Name string

	// Echo every diagnostic line.
	Verbose bool

	// Called once, when the process first writes to stderr.
	OnStarted func()

	// Called with a formatted report when the process exits abnormally.
	OnError func(msg string)
}

// Process is a single supervised FFmpeg invocation. Its stdin accepts input
// data; its stdout can be read with Stdout. Stderr carries diagnostics only.
type Process struct {
	opts Options
	args []string
	log  *logging.Logger

	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	ended     bool
	stopping  bool
	onStarted func()
	stderrLog []string
	killTimer *time.Timer
}

func NewProcess(opts Options, args []string) *Process {
	if opts.Path == "" {
		opts.Path = "ffmpeg"
	}
	return &Process{
		opts:      opts,
		args:      prepareArgs(args, opts.Verbose),
		log:       log.WithName(opts.Name),
		done:      make(chan struct{}),
		onStarted: opts.OnStarted,
	}
}

// Add verbose logging unless the caller chose a level.
func prepareArgs(args []string, verbose bool) []string {
	if verbose && !containsArg(args, "-loglevel") {
		args = append([]string{"-loglevel", "level+verbose"}, args...)
	}
	return args
}

func containsArg(args []string, arg string) bool {
	for _, a := range args {
		if a == arg {
			return true
		}
	}
	return false
}

// Start spawns the process.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return ErrAlreadyStarted
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "ffmpeg: stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return errors.Wrap(err, "ffmpeg: stdout pipe")
	}

	cmd := exec.Command(p.opts.Path, p.args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	// Own process group, so that termination reaches any helpers it spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr, err := cmd.StderrPipe()
	if err == nil {
		p.log.Debug("FFmpeg command: %s", p.CommandLine())
		err = cmd.Start()
	}

	// The child holds its own copies of these.
	stdinR.Close()
	stdoutW.Close()

	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		p.log.Error("Unable to start FFmpeg: %v. Command line: %s", err, p.CommandLine())
		p.ended = true
		close(p.done)
		return errors.Wrap(err, "ffmpeg: start")
	}

	p.cmd = cmd
	p.stdin = stdinW
	p.stdout = stdoutR

	go p.wait(stderr)
	return nil
}

// Stop asks the process to quit, and kills it if it hasn't exited after a
// short delay.
func (p *Process) Stop() {
	p.mu.Lock()
	if p.cmd == nil || p.ended || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	pid := p.cmd.Process.Pid
	p.killTimer = time.AfterFunc(killDelay, func() {
		p.mu.Lock()
		ended := p.ended
		p.mu.Unlock()
		if !ended {
			p.log.Debug("FFmpeg did not exit, killing it.")
			unix.Kill(-pid, unix.SIGKILL)
		}
	})
	p.mu.Unlock()

	// FFmpeg quits on "q" unless stdin is its media input.
	if !containsArg(p.args, "pipe:0") {
		p.stdin.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		p.stdin.Write([]byte("q"))
	}
	p.stdin.Close()
	p.stdout.Close()

	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		p.log.Debug("Unable to signal FFmpeg: %v", err)
	}
}

// Write sends data to the process's stdin. A process that has gone away is
// not an error worth reporting; the exit handler reports it.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()

	if stdin == nil {
		return 0, errors.New("ffmpeg: not started")
	}
	n, err := stdin.Write(b)
	if err != nil && (errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)) {
		p.log.Trace(5, "Dropping input, FFmpeg is gone: %v", err)
	}
	return n, err
}

// CloseInput closes stdin, so that FFmpeg sees the end of its input.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()

	if stdin == nil {
		return errors.New("ffmpeg: not started")
	}
	return stdin.Close()
}

// Stdout returns the process's standard output.
func (p *Process) Stdout() io.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsStarted reports whether the process has produced any output yet.
func (p *Process) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Process) IsEnded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

func (p *Process) CommandLine() string {
	return p.opts.Path + " " + strings.Join(p.args, " ")
}

// DiagnosticLog returns the most recent stderr lines.
func (p *Process) DiagnosticLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stderrLog...)
}

func (p *Process) wait(stderr io.Reader) {
	p.readStderr(stderr)
	err := p.cmd.Wait()

	p.mu.Lock()
	p.ended = true
	stopping := p.stopping
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()

	// Unblock anyone still writing.
	p.stdin.Close()

	if err != nil {
		p.log.Trace(5, "FFmpeg wait: %v", err)
	}
	code, signal := exitStatus(p.cmd.ProcessState)
	switch {
	case code == 0:
		p.log.Debug("FFmpeg process ended (Normal).")
	case stopping && (signal != nil || code == 255):
		p.log.Debug("FFmpeg process ended (Expected).")
	default:
		msg := p.errorReport(code, signal)
		p.log.Error("%s", msg)
		if p.opts.OnError != nil {
			p.opts.OnError(msg)
		}
	}

	close(p.done)
}

func exitStatus(state *os.ProcessState) (code int, signal os.Signal) {
	if state == nil {
		return -1, nil
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal()
	}
	return state.ExitCode(), nil
}

func (p *Process) errorReport(code int, signal os.Signal) string {
	var b bytes.Buffer
	if signal != nil {
		fmt.Fprintf(&b, "FFmpeg process ended unexpectedly due to signal %v.", signal)
	} else {
		fmt.Fprintf(&b, "FFmpeg process ended unexpectedly with an exit code of %d.", code)
	}
	fmt.Fprintf(&b, "\nFFmpeg command line: %s", p.CommandLine())

	lines := p.DiagnosticLog()
	if len(lines) > 0 {
		b.WriteString("\nFFmpeg output:\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	return b.String()
}

func (p *Process) readStderr(stderr io.Reader) {
	echo := p.opts.Verbose || containsArg(p.args, "-loglevel")

	scanner := bufio.NewScanner(startReader{stderr, p})
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := cleanLine(scanner.Text())
		if line == "" || isProgressLine(line) {
			continue
		}

		p.mu.Lock()
		p.stderrLog = append(p.stderrLog, line)
		if n := len(p.stderrLog) - maxStderrLines; n > 0 {
			p.stderrLog = p.stderrLog[n:]
		}
		p.mu.Unlock()

		if echo {
			p.log.Info("%s", line)
		}
	}
}

func (p *Process) markStarted() {
	p.mu.Lock()
	p.started = true
	fn := p.onStarted
	p.onStarted = nil
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// startReader marks the process started on its first chunk of output, which
// need not be a complete line.
type startReader struct {
	r io.Reader
	p *Process
}

func (s startReader) Read(b []byte) (int, error) {
	n, err := s.r.Read(b)
	if n > 0 {
		s.p.markStarted()
	}
	return n, err
}

// Progress lines are noise in an error report.
func isProgressLine(line string) bool {
	return strings.Contains(line, "frame=") && strings.Contains(line, "size=")
}

// ANSI colour and cursor sequences.
var csiSequence = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

func cleanLine(s string) string {
	s = csiSequence.ReplaceAllString(s, "")
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}

// Like bufio.ScanLines, but also splits on carriage returns, which FFmpeg uses
// to redraw status lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
