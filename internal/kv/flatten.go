package kv

import (
	"fmt"
	"sort"
)

// reservedKeys are transient processing-status fields plugins sometimes
// echo back that never belong in the persisted record.
var reservedKeys = map[string]struct{}{
	"status":    {},
	"taskId":    {},
	"requestId": {},
}

// Flatten turns a nested map (as plugins report it, keyed by pluginID)
// into a flat string→string mapping: nested objects join levels with
// "/", arrays are indexed by position, and reserved keys are dropped at
// every level.
func Flatten(values map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range values {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		flattenInto(k, v, out)
	}
	return out
}

func flattenInto(prefix string, v any, out map[string]string) {
	switch typed := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, reserved := reservedKeys[k]; reserved {
				continue
			}
			flattenInto(prefix+"/"+k, typed[k], out)
		}
	case []any:
		for i, elem := range typed {
			flattenInto(fmt.Sprintf("%s/%d", prefix, i), elem, out)
		}
	case nil:
		// absent values contribute nothing
	default:
		out[prefix] = fmt.Sprint(typed)
	}
}
