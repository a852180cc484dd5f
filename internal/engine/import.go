package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskguard/internal/schedule"
	"taskguard/internal/store"
	logx "taskguard/pkg/logx"

	yaml "go.yaml.in/yaml/v3"
)

// queueDoc is the bulk import document: {"tasks": [ ... ]}.
type queueDoc struct {
	Tasks []queueEntry `json:"tasks"`
}

// queueEntry is one task definition inside an import document. Everything
// but the id is optional; params are passed through to the tool untouched.
type queueEntry struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	Schedule    string         `json:"schedule"`
	Description string         `json:"description"`
	Verify      string         `json:"verify"`
	Output      string         `json:"output"`
}

// ImportReport summarizes one bulk import.
type ImportReport struct {
	Count   int      `json:"count"`
	TaskIDs []string `json:"task_ids"`
	Errors  []string `json:"errors,omitempty"`
}

// ImportQueueFile imports a task-queue document from disk. YAML files are
// coerced to JSON first so both formats share one decode path.
func (e *Engine) ImportQueueFile(ctx context.Context, path string) (ImportReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportReport{}, err
	}
	jb, err := coerceToJSONBytes(path, data)
	if err != nil {
		return ImportReport{}, err
	}
	return e.ImportQueue(ctx, jb)
}

// ImportQueue upserts every entry of a JSON task-queue document, applying
// the documented defaults. Bad entries are reported, not fatal; store
// failures are.
func (e *Engine) ImportQueue(ctx context.Context, doc []byte) (ImportReport, error) {
	var q queueDoc
	if err := json.Unmarshal(doc, &q); err != nil {
		return ImportReport{}, fmt.Errorf("parse task queue: %w", err)
	}

	var rep ImportReport
	for i, entry := range q.Tasks {
		if entry.ID == "" {
			rep.Errors = append(rep.Errors, fmt.Sprintf("entry %d: missing id", i))
			continue
		}

		t := store.Task{
			ID:         entry.ID,
			Name:       defaultStr(entry.Name, entry.ID),
			Tool:       defaultStr(entry.Tool, DefaultTool),
			Params:     entry.Params,
			Schedule:   defaultStr(entry.Schedule, DefaultSchedule),
			Expected:   defaultStr(entry.Description, DefaultExpected),
			Verify:     defaultStr(entry.Verify, DefaultVerify),
			OutputPath: defaultStr(entry.Output, fmt.Sprintf("runs/%s.out.txt", entry.ID)),
			Enabled:    true,
		}
		if t.Params == nil {
			t.Params = map[string]any{}
		}

		nxt, err := schedule.NextRun(t.Schedule, time.Now())
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("entry %s: %v", entry.ID, err))
			continue
		}
		s := store.FormatTime(nxt)
		t.NextRunAt = &s

		if err := e.store.UpsertTask(ctx, t); err != nil {
			return rep, err
		}
		rep.Count++
		rep.TaskIDs = append(rep.TaskIDs, t.ID)
	}

	e.log.Info("task queue imported", logx.Int("count", rep.Count), logx.Int("errors", len(rep.Errors)))
	return rep, nil
}

// coerceToJSONBytes converts YAML documents to JSON bytes so both formats
// share the JSON decoder.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
