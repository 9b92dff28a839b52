// Package skills executes the directives the model emits. Every skill is an
// eino InvokableTool: the built-ins live here, the rest come from MCP servers.
package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/tool"

	"relay-backend/internal/config"
	"relay-backend/internal/parser"
	"relay-backend/pkg/logger"
)

var (
	ErrUnknownSkill = errors.New("unknown skill")
	ErrBadArguments = errors.New("bad skill arguments")
)

type Registry struct {
	mu      sync.RWMutex
	tools   map[string]tool.InvokableTool
	descs   map[string]string
	closers []io.Closer
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]tool.InvokableTool),
		descs: make(map[string]string),
	}
}

// Load builds a registry holding the enabled built-ins and the tools of every
// configured MCP server. A server that cannot be reached is logged and
// skipped.
func Load(ctx context.Context, cfg config.SkillsConfig) (*Registry, error) {
	r := NewRegistry()

	for _, name := range cfg.EnabledBuiltin {
		t, err := builtin(name, cfg)
		if err != nil {
			return nil, err
		}
		if err := r.Register(ctx, t); err != nil {
			return nil, err
		}
	}

	for _, server := range cfg.MCPServers {
		tools, closer, err := LoadMCPServer(ctx, server)
		if err != nil {
			logger.Warnf("MCP server %s not available: %v", server.Name, err)
			continue
		}
		r.closers = append(r.closers, closer)

		for _, t := range tools {
			if err := r.Register(ctx, t); err != nil {
				logger.Warnf("MCP server %s: %v", server.Name, err)
			}
		}
		logger.Infof("MCP server %s loaded: %d tools", server.Name, len(tools))
	}

	return r, nil
}

func builtin(name string, cfg config.SkillsConfig) (tool.BaseTool, error) {
	switch name {
	case calcName:
		return &CalcTool{}, nil
	case clockName:
		return NewClockTool(), nil
	case fetchName:
		return NewFetchTool(cfg.FetchTimeout, cfg.FetchMaxBytes), nil
	default:
		return nil, fmt.Errorf("unknown builtin skill: %s", name)
	}
}

// Register adds t under the name its Info reports. Only invokable tools can
// serve a directive.
func (r *Registry) Register(ctx context.Context, t tool.BaseTool) error {
	info, err := t.Info(ctx)
	if err != nil {
		return fmt.Errorf("skill info: %w", err)
	}

	inv, ok := t.(tool.InvokableTool)
	if !ok {
		return fmt.Errorf("skill %s is not invokable", info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.tools[info.Name]; dup {
		logger.Warnf("skill %s registered twice, keeping the latest", info.Name)
	}
	r.tools[info.Name] = inv
	r.descs[info.Name] = info.Desc
	return nil
}

// Execute runs the skill a directive names with its arguments.
func (r *Registry) Execute(ctx context.Context, call parser.DirectiveCall) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Action]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSkill, call.Action)
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadArguments, err)
	}

	return t.InvokableRun(ctx, string(argsJSON))
}

// Names lists the registered skills in name order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders the instructions appended to the system prompt: the
// directive shape and one line per skill.
func (r *Registry) Describe() string {
	names := r.Names()
	if len(names) == 0 {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("To use a skill, reply with only this JSON object and nothing else:\n")
	b.WriteString(`{"type":"` + parser.DirectiveType + `","tool":"<skill>","args":{...}}` + "\n")
	b.WriteString("Available skills:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, firstLine(r.descs[name]))
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Close shuts down MCP clients.
func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// decodeArgs unmarshals tool arguments into v.
func decodeArgs(argumentsInJSON string, v any) error {
	if strings.TrimSpace(argumentsInJSON) == "" {
		argumentsInJSON = "{}"
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	return nil
}
