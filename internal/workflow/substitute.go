package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fenwick-ops/conductor/internal/model"
)

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteInput expands ${var} references from w.Variables and lazy
// ${taskId.output} / ${taskId.output.field} references bound from a
// completed sibling task, at dispatch time (§4.7 Expansion).
func substituteInput(input map[string]interface{}, w *model.Workflow) map[string]interface{} {
	if input == nil {
		return nil
	}
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = substituteValue(v, w)
	}
	return out
}

func substituteValue(v interface{}, w *model.Workflow) interface{} {
	switch t := v.(type) {
	case string:
		return substituteString(t, w)
	case map[string]interface{}:
		return substituteInput(t, w)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = substituteValue(e, w)
		}
		return out
	default:
		return v
	}
}

// substituteString expands every ${...} reference in s. A string that is
// exactly one reference resolves to the referenced value's native type
// (so ${a.output} can bind a map, not just its string form); references
// embedded in a larger string are stringified in place.
func substituteString(s string, w *model.Workflow) interface{} {
	matches := varPattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return resolveRef(s[matches[0][2]:matches[0][3]], w)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		sb.WriteString(fmt.Sprint(resolveRef(s[m[2]:m[3]], w)))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String()
}

func resolveRef(ref string, w *model.Workflow) interface{} {
	if dot := strings.IndexByte(ref, '.'); dot >= 0 {
		taskID, field := ref[:dot], ref[dot+1:]
		t := w.TaskByID(taskID)
		if t == nil || t.Status != model.TaskCompleted {
			return nil
		}
		if field == "output" {
			return t.Output
		}
		if key, ok := strings.CutPrefix(field, "output."); ok {
			if t.Output == nil {
				return nil
			}
			return t.Output[key]
		}
		return nil
	}
	if w.Variables != nil {
		if v, ok := w.Variables[ref]; ok {
			return v
		}
	}
	return nil
}
