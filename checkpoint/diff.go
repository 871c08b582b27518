package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/BaSui01/stepflow/store"
)

// =============================================================================
// Checkpoint Diff
// =============================================================================

// ChangeKind classifies one field-level difference.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// DiffEntry is one changed field. Path is dot-joined for nested
// objects ("user.profile.name"); an empty path means the value as a
// whole changed.
type DiffEntry struct {
	Path   string     `json:"path"`
	Change ChangeKind `json:"change"`
	From   any        `json:"from,omitempty"`
	To     any        `json:"to,omitempty"`
}

// Diff reports what changed between two step checkpoints of a task.
type Diff struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`

	InputChanges   []DiffEntry `json:"input_changes,omitempty"`
	OutputChanges  []DiffEntry `json:"output_changes,omitempty"`
	ContextChanges []DiffEntry `json:"context_changes,omitempty"`

	// TimeDelta is the creation-time distance between the two records
	TimeDelta time.Duration `json:"time_delta"`

	// StepDelta is how many step positions apart the records are
	StepDelta int `json:"step_delta"`
}

// HasChanges reports whether any field differs.
func (d *Diff) HasChanges() bool {
	return len(d.InputChanges)+len(d.OutputChanges)+len(d.ContextChanges) > 0
}

// DiffCheckpoints loads two step checkpoints and compares their input,
// output, and context field by field. Objects are walked recursively
// over the union of their keys; scalars, arrays, and type mismatches
// count as a single modified entry at their path.
func (m *Manager) DiffCheckpoints(ctx context.Context, fromID, toID string) (*Diff, error) {
	from, err := m.GetStepCheckpoint(ctx, fromID)
	if err != nil {
		return nil, err
	}
	if from == nil {
		return nil, fmt.Errorf("diff source checkpoint %s: %w", fromID, store.ErrNotFound)
	}
	to, err := m.GetStepCheckpoint(ctx, toID)
	if err != nil {
		return nil, err
	}
	if to == nil {
		return nil, fmt.Errorf("diff target checkpoint %s: %w", toID, store.ErrNotFound)
	}

	diff := &Diff{
		FromID:    from.ID,
		ToID:      to.ID,
		TimeDelta: to.Metadata.CreatedAt.Sub(from.Metadata.CreatedAt),
		StepDelta: to.StepIndex - from.StepIndex,
	}

	if diff.InputChanges, err = diffEncodedField(from.Input, to.Input); err != nil {
		return nil, err
	}
	if diff.OutputChanges, err = diffEncodedField(from.Output, to.Output); err != nil {
		return nil, err
	}
	if diff.ContextChanges, err = diffEncodedField(from.Context, to.Context); err != nil {
		return nil, err
	}

	return diff, nil
}

func diffEncodedField(fromRaw, toRaw []byte) ([]DiffEntry, error) {
	from, err := decodeForDiff(fromRaw)
	if err != nil {
		return nil, err
	}
	to, err := decodeForDiff(toRaw)
	if err != nil {
		return nil, err
	}

	var entries []DiffEntry
	diffValues("", from, to, &entries)
	return entries, nil
}

func decodeForDiff(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint field for diff: %w", err)
	}
	return v, nil
}

func diffValues(path string, from, to any, out *[]DiffEntry) {
	if reflect.DeepEqual(from, to) {
		return
	}

	fromMap, fromIsMap := from.(map[string]any)
	toMap, toIsMap := to.(map[string]any)
	if !fromIsMap || !toIsMap {
		*out = append(*out, DiffEntry{Path: path, Change: ChangeModified, From: from, To: to})
		return
	}

	keys := make([]string, 0, len(fromMap)+len(toMap))
	seen := make(map[string]bool, len(fromMap)+len(toMap))
	for k := range fromMap {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range toMap {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		child := k
		if path != "" {
			child = path + "." + k
		}
		fv, inFrom := fromMap[k]
		tv, inTo := toMap[k]
		switch {
		case !inFrom:
			*out = append(*out, DiffEntry{Path: child, Change: ChangeAdded, To: tv})
		case !inTo:
			*out = append(*out, DiffEntry{Path: child, Change: ChangeRemoved, From: fv})
		default:
			diffValues(child, fv, tv, out)
		}
	}
}
