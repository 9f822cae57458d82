package router

import (
	"reflect"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"whitespace only", "   \t ", nil},
		{"simple", "/bc hello world", []string{"/bc", "hello", "world"}},
		{"double quotes", `/bc "hello world" x`, []string{"/bc", "hello world", "x"}},
		{"single quotes", "/bc 'a b' c", []string{"/bc", "a b", "c"}},
		{"escaped space", `/bc a\ b`, []string{"/bc", "a b"}},
		{"escaped quote", `/bc \"x`, []string{"/bc", `"x`}},
		{"collapses runs", "/bc   a \t b", []string{"/bc", "a", "b"}},
		{"flag stays whole", `/bc --msg="hi there"`, []string{"/bc", "--msg=hi there"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tokenizeCommandLine(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("tokenizeCommandLine(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        []string
		wantPos   []string
		wantFlags map[string]string
		wantBools map[string]bool
	}{
		{
			name:      "positionals only",
			in:        []string{"a", "b"},
			wantPos:   []string{"a", "b"},
			wantFlags: map[string]string{},
			wantBools: map[string]bool{},
		},
		{
			name:      "long eq and long pair",
			in:        []string{"--level=premium", "--age", "30", "text"},
			wantPos:   []string{"text"},
			wantFlags: map[string]string{"level": "premium", "age": "30"},
			wantBools: map[string]bool{},
		},
		{
			name:      "long bool at end",
			in:        []string{"--dry"},
			wantPos:   nil,
			wantFlags: map[string]string{},
			wantBools: map[string]bool{"dry": true},
		},
		{
			name:      "long bool before another flag",
			in:        []string{"--dry", "--level=all"},
			wantPos:   nil,
			wantFlags: map[string]string{"level": "all"},
			wantBools: map[string]bool{"dry": true},
		},
		{
			name:      "short value",
			in:        []string{"-n", "5", "x"},
			wantPos:   []string{"x"},
			wantFlags: map[string]string{"n": "5"},
			wantBools: map[string]bool{},
		},
		{
			name:      "short combined bools",
			in:        []string{"-abc"},
			wantPos:   nil,
			wantFlags: map[string]string{},
			wantBools: map[string]bool{"a": true, "b": true, "c": true},
		},
		{
			name:      "lone dash is positional",
			in:        []string{"-"},
			wantPos:   []string{"-"},
			wantFlags: map[string]string{},
			wantBools: map[string]bool{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pos, flags, bools := parseFlags(tt.in)
			if !reflect.DeepEqual(pos, tt.wantPos) {
				t.Errorf("pos = %#v, want %#v", pos, tt.wantPos)
			}
			if !reflect.DeepEqual(flags, tt.wantFlags) {
				t.Errorf("flags = %#v, want %#v", flags, tt.wantFlags)
			}
			if !reflect.DeepEqual(bools, tt.wantBools) {
				t.Errorf("bools = %#v, want %#v", bools, tt.wantBools)
			}
		})
	}
}

func TestNewReqIDUnique(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newReqID()
		if id == "" {
			t.Fatal("empty request id")
		}
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}
