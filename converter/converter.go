// Package converter holds the catalogue of conversion tools. Most tools wrap
// an external command and are only usable when that command is on PATH.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"fileforge/logger"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrUnavailable   = errors.New("tool unavailable")
	ErrInvalidParams = errors.New("invalid parameters")
)

// Params are the free-form options of one conversion request.
type Params map[string]string

// Request describes one conversion. Outputs must be written inside OutputDir.
type Request struct {
	Inputs    []string
	OutputDir string
	Params    Params
}

// RunFunc performs a conversion and returns the output paths in order.
type RunFunc func(ctx context.Context, req Request) ([]string, error)

// Tool is one registered conversion.
type Tool struct {
	Name        string
	Description string
	// Command is the external program the tool needs; empty for builtin tools.
	Command string
	// Async tools run in the background and are tracked as jobs.
	Async     bool
	// A tool with both MinInputs and MaxInputs zero takes no files.
	MinInputs int
	MaxInputs int      // 0 means no tool-specific limit
	Accept    []string // accepted MIME types, empty accepts anything
	// CheckParams rejects bad parameters before any work starts. May be nil.
	CheckParams func(Params) error
	Run         RunFunc
}

// TakesFiles reports whether the tool consumes uploads at all.
func (t Tool) TakesFiles() bool {
	return t.MinInputs > 0 || t.MaxInputs > 0
}

// Info is the public description of a tool.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Command     string   `json:"command,omitempty"`
	Async       bool     `json:"async"`
	Available   bool     `json:"available"`
	MinInputs   int      `json:"minInputs"`
	MaxInputs   int      `json:"maxInputs"`
	Accept      []string `json:"accept,omitempty"`
}

// Registry maps tool name to tool.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	lookPath func(string) (string, error)
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLookPath replaces exec.LookPath for availability checks.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Registry) { r.lookPath = fn }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tool. Tools whose command is missing stay
// registered and report ErrUnavailable on Lookup.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()

	if t.Command == "" {
		logger.Debugf("tool [%s] registered (no command required)", t.Name)
		return
	}
	if !r.available(t) {
		logger.Warnf("tool [%s] unavailable: command '%s' not found in PATH", t.Name, t.Command)
		return
	}
	logger.Debugf("tool [%s] registered (command: %s)", t.Name, t.Command)
}

func (r *Registry) available(t Tool) bool {
	if t.Command == "" {
		return true
	}
	_, err := r.lookPath(t.Command)
	return err == nil
}

// Lookup returns the named tool if it exists and can run on this host. An
// unavailable tool is still returned alongside ErrUnavailable so callers can
// validate input first.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if !r.available(t) {
		return t, fmt.Errorf("%w: %s needs '%s'", ErrUnavailable, name, t.Command)
	}
	return t, nil
}

// List describes every registered tool, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{
			Name:        t.Name,
			Description: t.Description,
			Command:     t.Command,
			Async:       t.Async,
			Available:   r.available(t),
			MinInputs:   t.MinInputs,
			MaxInputs:   t.MaxInputs,
			Accept:      t.Accept,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// CommandError reports a failed external command with its stderr.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("%s failed (exit=%d): %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s failed (exit=%d): %s", e.Command, e.ExitCode, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// runCommand executes name with args and captures stderr into the error.
func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debugf("running %s %s", name, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s interrupted: %w", name, ctxErr)
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &CommandError{Command: name, ExitCode: exitCode, Stderr: stderr.String(), Err: err}
	}
	return nil
}
