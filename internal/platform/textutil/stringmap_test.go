package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMapTrimsEntries(t *testing.T) {
	got := NormalizeStringMap(map[string]string{
		" warehouse ": " east-1 ",
		"carrier":     " ups ",
		"note":        "   ",
		" ":           "dropped",
		"":            "dropped",
	})

	want := map[string]string{
		"warehouse": "east-1",
		"carrier":   "ups",
		"note":      "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeStringMap = %#v, want %#v", got, want)
	}
}

func TestNormalizeStringMapCollapsesToNil(t *testing.T) {
	if got := NormalizeStringMap(nil); got != nil {
		t.Fatalf("nil input produced %#v", got)
	}
	if got := NormalizeStringMap(map[string]string{}); got != nil {
		t.Fatalf("empty input produced %#v", got)
	}
	if got := NormalizeStringMap(map[string]string{" ": "x"}); got != nil {
		t.Fatalf("blank-key-only input produced %#v", got)
	}
}
