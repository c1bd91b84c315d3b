package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DeriveKey builds a deterministic cache key from a resource identifier and an
// optional parameter set. Parameter keys are sorted before serialization so
// two structurally equal parameter sets always produce the same key,
// regardless of insertion order.
func DeriveKey(resource string, params map[string]any) string {
	if len(params) == 0 {
		return resource
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+serializeParam(params[k]))
	}

	return resource + "?" + strings.Join(pairs, "&")
}

func serializeParam(v any) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case string:
		return v
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return fmt.Sprintf("%v", v)
	}

	// encoding/json sorts map keys, so composite values stay deterministic.
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
