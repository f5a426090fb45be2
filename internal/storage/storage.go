// Package storage loads workflow definitions from a directory of markdown
// files and validates run inputs against each workflow's declared parameter
// schema.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rendis/flow/internal/expressions"
	"github.com/rendis/flow/internal/parser"
	"github.com/rendis/flow/pkg/schema"
)

// DefaultDir is the workflow directory when FLOW_WORKFLOW_DIR is unset.
const DefaultDir = "./workflows"

// Library resolves workflow names to parsed, guard-compiled definitions.
// Definitions are cached per file modification time.
type Library struct {
	dir    string
	guards parser.GuardCompiler
	params *ParamValidator

	mu    sync.Mutex
	cache map[string]cachedDef
}

type cachedDef struct {
	def     *schema.WorkflowDefinition
	modTime int64
}

// NewLibrary creates a library over a directory. An empty dir falls back to
// FLOW_WORKFLOW_DIR, then DefaultDir.
func NewLibrary(dir string, guards *expressions.GuardEvaluator) (*Library, error) {
	if dir == "" {
		dir = os.Getenv("FLOW_WORKFLOW_DIR")
	}
	if dir == "" {
		dir = DefaultDir
	}

	params, err := NewParamValidator()
	if err != nil {
		return nil, err
	}
	return &Library{
		dir:    dir,
		guards: guards,
		params: params,
		cache:  make(map[string]cachedDef),
	}, nil
}

// Dir returns the library's root directory.
func (l *Library) Dir() string { return l.dir }

// Load resolves a workflow by name, parsing <dir>/<name>.md.
func (l *Library) Load(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	path := filepath.Join(l.dir, name+".md")

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found in %s", name, l.dir)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "stat %s", path).WithCause(err)
	}

	l.mu.Lock()
	if cached, ok := l.cache[name]; ok && cached.modTime == info.ModTime().UnixNano() {
		l.mu.Unlock()
		return cached.def, nil
	}
	l.mu.Unlock()

	def, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = cachedDef{def: def, modTime: info.ModTime().UnixNano()}
	l.mu.Unlock()
	return def, nil
}

// LoadFile parses and fully validates one workflow file, bypassing the
// cache. The workflow name defaults to the file's base name.
func (l *Library) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read %s", path).WithCause(err)
	}

	name := filepath.Base(path)
	name = name[:len(name)-len(filepath.Ext(name))]

	def, err := parser.Parse(name, source)
	if err != nil {
		return nil, err
	}
	if l.guards != nil {
		if err := parser.CompileGuards(def, l.guards); err != nil {
			return nil, err
		}
	}
	return def, nil
}

// List returns the names of every workflow file in the directory.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read dir %s", l.dir).WithCause(err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-3])
	}
	return names, nil
}

// Schedules returns workflow name -> cron expression for every workflow
// declaring a schedule in its front matter. Unparseable files are skipped.
func (l *Library) Schedules(ctx context.Context) (map[string]string, error) {
	names, err := l.List()
	if err != nil {
		return nil, err
	}

	schedules := make(map[string]string)
	for _, name := range names {
		def, err := l.Load(ctx, name)
		if err != nil {
			continue
		}
		if def.Schedule != "" {
			schedules[name] = def.Schedule
		}
	}
	return schedules, nil
}

// ValidateInputs checks caller-supplied inputs against the workflow's
// front-matter parameter schema. Workflows without a schema accept any
// inputs.
func (l *Library) ValidateInputs(def *schema.WorkflowDefinition, inputs map[string]any) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	return l.params.Validate(inputs, def.Parameters)
}
