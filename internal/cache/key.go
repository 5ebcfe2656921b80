package cache

import "strings"

// Key addresses a cache entry. Keys compare element-wise.
type Key []string

// IntentsKey addresses the intent list.
func IntentsKey() Key { return Key{"intents"} }

// IntentKey addresses a single intent.
func IntentKey(id string) Key { return Key{"intent", id} }

// IntentPrefix matches every IntentKey.
func IntentPrefix() Key { return Key{"intent"} }

// ContradictionsKey addresses the contradiction views.
func ContradictionsKey() Key { return Key{"contradictions"} }

// ReEvaluationKey addresses the re-evaluation views.
func ReEvaluationKey() Key { return Key{"re-evaluation"} }

// HasPrefix reports whether prefix matches the leading elements of k.
// An empty prefix matches every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Equal reports whether k and other have the same elements.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && k.HasPrefix(other)
}

func (k Key) String() string {
	return "[" + strings.Join(k, " ") + "]"
}

// id is the map key of k. Elements are separated by a byte that cannot
// appear in ids sent over JSON text frames unescaped.
func (k Key) id() string {
	return strings.Join(k, "\x00")
}
