// Package memento captures a chosen set of objects into a portable,
// placeholder-indexed snapshot and rehydrates snapshots into brand-new,
// independent objects. References between captured objects are rewired to
// the copies; references to anything outside the captured set are
// preserved to the originals. Cycles are safe in both directions.
package memento

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/TSavo/Malice-sub002/store"
	"github.com/TSavo/Malice-sub002/world"
)

// extRefKey marks a reference to an object outside the captured set. The
// marker carries the original identifier and survives the wire codec.
const extRefKey = "$extref"

// Entry is one captured object: its parent and its own properties, with
// every reference rewritten to a placeholder string or an external-ref
// marker. Keys under the internal-use prefix are dropped at capture.
type Entry struct {
	Parent     any            `json:"parent" cbor:"parent"`
	Properties map[string]any `json:"properties" cbor:"properties"`
}

// Snapshot is a reusable template: rehydrating it any number of times
// produces disjoint sets of new objects.
type Snapshot struct {
	Root    string            `json:"root" cbor:"root"`
	Objects map[string]*Entry `json:"objects" cbor:"objects"`
}

// Capture serializes the given objects into a snapshot. Placeholders are
// assigned in input order (%0, %1, ...); the first object is the root.
func Capture(objects []*world.Object) (*Snapshot, error) {
	if len(objects) == 0 {
		return nil, fmt.Errorf("capture requires at least one object")
	}

	index := make(map[int64]string, len(objects))
	ordered := make([]*world.Object, 0, len(objects))
	for _, obj := range objects {
		if _, seen := index[obj.ID()]; seen {
			continue
		}
		index[obj.ID()] = placeholder(len(ordered))
		ordered = append(ordered, obj)
	}

	snap := &Snapshot{
		Root:    placeholder(0),
		Objects: make(map[string]*Entry, len(ordered)),
	}
	for _, obj := range ordered {
		entry := &Entry{
			Parent:     encodeID(obj.ParentID(), index),
			Properties: make(map[string]any),
		}
		for name, value := range obj.OwnProperties() {
			if strings.HasPrefix(name, world.InternalPrefix) {
				continue
			}
			entry.Properties[name] = encodeValue(value, index)
		}
		snap.Objects[index[obj.ID()]] = entry
	}
	return snap, nil
}

// encodeValue rewrites references and recurses through containers. Plain
// scalars pass through untouched; in particular a numeric value is never
// mistaken for a reference.
func encodeValue(v any, index map[int64]string) any {
	switch val := v.(type) {
	case *world.Object:
		return encodeID(val.ID(), index)
	case store.Ref:
		return encodeID(val.ID, index)
	case string:
		// A literal string that happens to look like a placeholder gets
		// an extra escape rune, so rehydration never mistakes ordinary
		// data for a reference.
		if placeholderShaped(val) {
			return "%" + val
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item, index)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeValue(item, index)
		}
		return out
	default:
		return v
	}
}

// encodeID maps an object id to its placeholder if captured, else to an
// external-reference marker.
func encodeID(id int64, index map[int64]string) any {
	if ph, ok := index[id]; ok {
		return ph
	}
	return map[string]any{extRefKey: id}
}

// Rehydrate instantiates a snapshot as brand-new objects. All objects are
// created first with empty state, so every identifier needed for
// cross-references exists before any reference is wired; that is what
// makes cyclic captures safe. The second pass rewires placeholders to the
// copies and external markers to the originals, applies parents and
// properties, and persists each new object.
func Rehydrate(ctx context.Context, reg *world.Registry, snap *Snapshot) (map[string]*world.Object, error) {
	placeholders, err := orderedPlaceholders(snap)
	if err != nil {
		return nil, err
	}

	created := make(map[string]*world.Object, len(placeholders))
	for _, ph := range placeholders {
		obj, err := reg.Create(ctx, world.NothingID, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("rehydrating %s: %w", ph, err)
		}
		created[ph] = obj
	}

	for _, ph := range placeholders {
		entry := snap.Objects[ph]
		obj := created[ph]

		parent, err := decodeParent(ctx, reg, entry.Parent, created)
		if err != nil {
			return nil, fmt.Errorf("rehydrating %s parent: %w", ph, err)
		}
		obj.SetParent(parent)

		for name, raw := range entry.Properties {
			value, err := decodeValue(ctx, reg, raw, created)
			if err != nil {
				return nil, fmt.Errorf("rehydrating %s.%s: %w", ph, name, err)
			}
			obj.Set(name, value)
		}
		if err := obj.Save(ctx); err != nil {
			return nil, fmt.Errorf("persisting %s: %w", ph, err)
		}
	}
	return created, nil
}

// Clone captures and immediately rehydrates in one step, returning the
// placeholder→copy map.
func Clone(ctx context.Context, reg *world.Registry, objects []*world.Object) (map[string]*world.Object, error) {
	snap, err := Capture(objects)
	if err != nil {
		return nil, err
	}
	return Rehydrate(ctx, reg, snap)
}

// decodeValue is the inverse of encodeValue: placeholders become the new
// copies, external markers load the original objects, containers recurse.
func decodeValue(ctx context.Context, reg *world.Registry, v any, created map[string]*world.Object) (any, error) {
	switch val := v.(type) {
	case string:
		if obj, ok := created[val]; ok && isPlaceholder(val) {
			return obj, nil
		}
		if len(val) > 1 && val[0] == '%' && placeholderShaped(val[1:]) {
			return val[1:], nil
		}
		return val, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			decoded, err := decodeValue(ctx, reg, item, created)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	case map[string]any:
		if id, ok := externalID(val); ok {
			obj, err := reg.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			if obj == nil {
				// The external original is gone; degrade to nothing.
				return reg.Load(ctx, world.NothingID)
			}
			return obj, nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			decoded, err := decodeValue(ctx, reg, item, created)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}

// decodeParent resolves the parent field to a raw identifier.
func decodeParent(ctx context.Context, reg *world.Registry, v any, created map[string]*world.Object) (int64, error) {
	switch val := v.(type) {
	case string:
		if obj, ok := created[val]; ok {
			return obj.ID(), nil
		}
		return 0, fmt.Errorf("unknown placeholder %q", val)
	case map[string]any:
		if id, ok := externalID(val); ok {
			return id, nil
		}
		return 0, fmt.Errorf("malformed parent marker")
	default:
		if id, ok := numericID(v); ok {
			return id, nil
		}
		return 0, fmt.Errorf("malformed parent %v", v)
	}
}

// externalID extracts the id from an external-reference marker.
func externalID(m map[string]any) (int64, bool) {
	if len(m) != 1 {
		return 0, false
	}
	raw, ok := m[extRefKey]
	if !ok {
		return 0, false
	}
	return numericID(raw)
}

func numericID(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func placeholder(i int) string {
	return "%" + strconv.Itoa(i)
}

func isPlaceholder(s string) bool {
	return len(s) > 1 && s[0] == '%' && allDigits(s[1:])
}

// placeholderShaped matches placeholders and their escaped forms: one or
// more '%' followed by digits.
func placeholderShaped(s string) bool {
	i := 0
	for i < len(s) && s[i] == '%' {
		i++
	}
	return i > 0 && i < len(s) && allDigits(s[i:])
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// orderedPlaceholders returns the snapshot's placeholders in numeric
// order, validating the root is present.
func orderedPlaceholders(snap *Snapshot) ([]string, error) {
	if len(snap.Objects) == 0 {
		return nil, fmt.Errorf("snapshot has no objects")
	}
	if _, ok := snap.Objects[snap.Root]; !ok {
		return nil, fmt.Errorf("snapshot root %q has no entry", snap.Root)
	}
	out := make([]string, 0, len(snap.Objects))
	for ph := range snap.Objects {
		if !isPlaceholder(ph) {
			return nil, fmt.Errorf("malformed placeholder %q", ph)
		}
		out = append(out, ph)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i][1:])
		b, _ := strconv.Atoi(out[j][1:])
		return a < b
	})
	return out, nil
}
