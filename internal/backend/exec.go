package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/anmitsu/go-shlex"
	"github.com/bnema/wayprotect/internal/logger"
	"github.com/bnema/wayprotect/internal/protection"
)

// exitBusy is EBUSY, the exit status helpers use for a busy device
const exitBusy = 16

// ExecOptions configures the command backend. Commands are split with shell
// quoting rules and may use the {enable} (1/0) and {type} (0/1) placeholders.
type ExecOptions struct {
	SetCommand string
	GetCommand string
	Timeout    time.Duration
}

// Exec drives protection through external helper commands, for example a
// compositor IPC tool or a DRM property setter.
type Exec struct {
	setArgv []string
	getArgv []string
	timeout time.Duration
}

// NewExec validates the command templates
func NewExec(opts ExecOptions) (*Exec, error) {
	setArgv, err := splitCommand(opts.SetCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid set command: %w", err)
	}
	getArgv, err := splitCommand(opts.GetCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid get command: %w", err)
	}
	if _, err := exec.LookPath(setArgv[0]); err != nil {
		return nil, fmt.Errorf("set command %s not found: %w", setArgv[0], err)
	}
	if _, err := exec.LookPath(getArgv[0]); err != nil {
		return nil, fmt.Errorf("get command %s not found: %w", getArgv[0], err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Exec{
		setArgv: setArgv,
		getArgv: getArgv,
		timeout: timeout,
	}, nil
}

func splitCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("empty command")
	}
	argv, err := shlex.Split(command, true)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

func (e *Exec) Name() string {
	return "exec"
}

func (e *Exec) SetProtection(enable bool, t protection.ContentType) error {
	enableArg := "0"
	if enable {
		enableArg = "1"
	}

	_, err := e.run(e.setArgv, enableArg, t)
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitBusy {
		return fmt.Errorf("%s: %w", e.setArgv[0], protection.ErrBusy)
	}
	return &protection.BackendError{Op: "set protection", Code: exitCode(err), Err: err}
}

func (e *Exec) GetProtection(t protection.ContentType) (bool, error) {
	out, err := e.run(e.getArgv, "", t)
	if err != nil {
		return false, &protection.BackendError{Op: "get protection", Code: exitCode(err), Err: err}
	}

	enabled, err := parseEnabled(out)
	if err != nil {
		return false, &protection.BackendError{Op: "get protection", Code: -1, Err: err}
	}
	return enabled, nil
}

func (e *Exec) run(template []string, enableArg string, t protection.ContentType) (string, error) {
	typeArg := "0"
	if t == protection.Type1 {
		typeArg = "1"
	}
	replacer := strings.NewReplacer("{enable}", enableArg, "{type}", typeArg)

	argv := make([]string, len(template))
	for i, arg := range template {
		argv[i] = replacer.Replace(arg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debugf("Running backend command: %s", strings.Join(argv, " "))
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			logger.Debugf("Backend command stderr: %s", msg)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s timed out after %s: %w", argv[0], e.timeout, ctx.Err())
		}
		return "", err
	}
	return stdout.String(), nil
}

// parseEnabled reads the get command output; the last line wins. Numbers follow
// the DRM "Content Protection" property: 0 undesired, 1 desired, 2 enabled.
func parseEnabled(out string) (bool, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	value := strings.ToLower(strings.TrimSpace(lines[len(lines)-1]))

	switch value {
	case "enabled", "true", "on", "yes":
		return true, nil
	case "undesired", "desired", "disabled", "false", "off", "no":
		return false, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return false, fmt.Errorf("unexpected protection state %q", value)
	}
	switch n {
	case 2:
		return true, nil
	case 0, 1:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected protection state %d", n)
	}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (e *Exec) Close() error {
	return nil
}
