package engine

import (
	"encoding/json"
	"sort"

	"github.com/google/go-cmp/cmp"

	"github.com/windlass-io/windlass/internal/ir"
)

// normalizeAttributes round-trips an attribute map through JSON so that
// equivalent documents compare equal regardless of their in-memory
// representation (YAML map[any]any vs JSON map[string]any, int vs
// float64). Values that cannot marshal are returned unchanged.
func normalizeAttributes(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return attrs
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return attrs
	}
	return out
}

// diffAttributes compares prior and desired attribute maps and returns
// per-key differences in sorted key order. The result depends only on
// the inputs: no map iteration order, no wall clock.
func diffAttributes(prior, desired map[string]any) []ir.AttributeDiff {
	prior = normalizeAttributes(prior)
	desired = normalizeAttributes(desired)

	keys := make([]string, 0, len(prior)+len(desired))
	seen := make(map[string]bool, len(prior)+len(desired))
	for k := range prior {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range desired {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var diffs []ir.AttributeDiff
	for _, k := range keys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]
		switch {
		case !inPrior:
			diffs = append(diffs, ir.AttributeDiff{Path: k, Action: "add", After: desiredVal})
		case !inDesired:
			diffs = append(diffs, ir.AttributeDiff{Path: k, Action: "remove", Before: priorVal})
		case !cmp.Equal(priorVal, desiredVal):
			diffs = append(diffs, ir.AttributeDiff{Path: k, Action: "update", Before: priorVal, After: desiredVal})
		}
	}
	return diffs
}

// attributesEqual reports deep equality of two attribute maps after
// normalization.
func attributesEqual(a, b map[string]any) bool {
	return cmp.Equal(normalizeAttributes(a), normalizeAttributes(b))
}

// createDiff lists every desired attribute as an addition.
func createDiff(attrs map[string]any) []ir.AttributeDiff {
	return diffAttributes(nil, attrs)
}

// deleteDiff lists every recorded attribute as a removal.
func deleteDiff(attrs map[string]any) []ir.AttributeDiff {
	return diffAttributes(attrs, nil)
}
