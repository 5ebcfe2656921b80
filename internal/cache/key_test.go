package cache

import "testing"

func TestKey_HasPrefix(t *testing.T) {
	tests := []struct {
		key    Key
		prefix Key
		want   bool
	}{
		{IntentsKey(), IntentsKey(), true},
		{IntentKey("a"), Key{"intent"}, true},
		{IntentKey("a"), IntentKey("a"), true},
		{IntentKey("a"), IntentKey("b"), false},
		{IntentKey("a"), IntentsKey(), false},
		{Key{"intents", "page", "2"}, IntentsKey(), true},
		{IntentsKey(), Key{"intents", "page"}, false},
		{ContradictionsKey(), Key{}, true},
	}

	for _, tt := range tests {
		if got := tt.key.HasPrefix(tt.prefix); got != tt.want {
			t.Errorf("%v.HasPrefix(%v) = %v, want %v", tt.key, tt.prefix, got, tt.want)
		}
	}
}

func TestKey_Equal(t *testing.T) {
	if !IntentKey("a").Equal(Key{"intent", "a"}) {
		t.Error("equal keys reported different")
	}
	if IntentKey("a").Equal(Key{"intent"}) {
		t.Error("prefix reported equal")
	}
}

func TestKey_IDsDoNotCollide(t *testing.T) {
	a := Key{"intent", "a b"}
	b := Key{"intent", "a", "b"}
	if a.id() == b.id() {
		t.Errorf("%v and %v share id %q", a, b, a.id())
	}
}

func TestWellKnownKeys(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{IntentsKey(), "[intents]"},
		{IntentKey("i-1"), "[intent i-1]"},
		{ContradictionsKey(), "[contradictions]"},
		{ReEvaluationKey(), "[re-evaluation]"},
	}

	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
