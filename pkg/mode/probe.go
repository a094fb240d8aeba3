package mode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

// LivenessProbe reports whether the local agent is running.
type LivenessProbe interface {
	Alive(ctx context.Context) (bool, error)
}

// StaticProbe always answers with the same result.
type StaticProbe struct {
	IsAlive bool
	Err     error
}

func (p StaticProbe) Alive(context.Context) (bool, error) {
	return p.IsAlive, p.Err
}

// ProbeFunc adapts a function to LivenessProbe.
type ProbeFunc func(ctx context.Context) (bool, error)

func (f ProbeFunc) Alive(ctx context.Context) (bool, error) {
	return f(ctx)
}

// Process is one entry of the OS process table.
type Process struct {
	PID     int
	Name    string
	Command string
}

// ProcessProbe scans the process table for the agent signature. It reads
// /proc through procfs when present and falls back to ps elsewhere.
type ProcessProbe struct {
	commandPatterns []*regexp.Regexp
	namePatterns    []*regexp.Regexp
	timeout         time.Duration
	procRoot        string
	selfPID         int
	listPS          func(ctx context.Context) ([]byte, error)
}

// NewProcessProbe compiles the signature patterns.
func NewProcessProbe(commandPatterns, namePatterns []string, timeout time.Duration) (*ProcessProbe, error) {
	cmds, err := compileAll(commandPatterns)
	if err != nil {
		return nil, err
	}
	names, err := compileAll(namePatterns)
	if err != nil {
		return nil, err
	}
	return &ProcessProbe{
		commandPatterns: cmds,
		namePatterns:    names,
		timeout:         timeout,
		procRoot:        "/proc",
		selfPID:         os.Getpid(),
		listPS:          runPS,
	}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile agent pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Alive reports whether any process other than this one matches.
func (p *ProcessProbe) Alive(ctx context.Context) (bool, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	procs, err := p.Processes(ctx)
	if err != nil {
		return false, err
	}
	for _, proc := range procs {
		if proc.PID == p.selfPID {
			continue
		}
		if p.Matches(proc) {
			return true, nil
		}
	}
	return false, nil
}

// Matches reports whether proc carries the agent signature.
func (p *ProcessProbe) Matches(proc Process) bool {
	for _, re := range p.namePatterns {
		if proc.Name != "" && re.MatchString(proc.Name) {
			return true
		}
	}
	for _, re := range p.commandPatterns {
		if proc.Command != "" && re.MatchString(proc.Command) {
			return true
		}
	}
	return false
}

// Processes lists the current process table.
func (p *ProcessProbe) Processes(ctx context.Context) ([]Process, error) {
	if info, err := os.Stat(p.procRoot); err == nil && info.IsDir() {
		return readProc(ctx, p.procRoot)
	}
	out, err := p.listPS(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return parsePS(out), nil
}

func readProc(ctx context.Context, root string) ([]Process, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", root, err)
	}
	all, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	procs := make([]Process, 0, len(all))
	for _, proc := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Processes exit while we scan; unreadable entries keep empty fields.
		comm, _ := proc.Comm()
		cmdline, _ := proc.CmdLine()
		procs = append(procs, Process{
			PID:     proc.PID,
			Name:    strings.TrimSpace(comm),
			Command: strings.TrimSpace(strings.Join(cmdline, " ")),
		})
	}
	return procs, nil
}

func runPS(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "ps", "-axww", "-o", "pid=", "-o", "args=").Output()
}

func parsePS(out []byte) []Process {
	var procs []Process
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		procs = append(procs, Process{
			PID:     pid,
			Name:    filepath.Base(fields[1]),
			Command: strings.Join(fields[1:], " "),
		})
	}
	return procs
}
