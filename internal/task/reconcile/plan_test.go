package reconcile

import (
	"reflect"
	"testing"
)

func TestCap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		desired map[string]int
		limit   int
		want    map[string]int
	}{
		{name: "no cap", desired: map[string]int{"a": 5}, limit: 0, want: map[string]int{"a": 5}},
		{name: "under cap", desired: map[string]int{"a": 1, "b": 1}, limit: 3, want: map[string]int{"a": 1, "b": 1}},
		{name: "lexicographic", desired: map[string]int{"a": 1, "c": 4}, limit: 3, want: map[string]int{"a": 1, "c": 2}},
		{name: "later shards starve", desired: map[string]int{"z": 2, "m": 2, "b": 2}, limit: 3, want: map[string]int{"b": 2, "m": 1}},
		{name: "exact", desired: map[string]int{"a": 2, "b": 1}, limit: 3, want: map[string]int{"a": 2, "b": 1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Cap(tt.desired, tt.limit)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Cap(%v, %d) = %v, want %v", tt.desired, tt.limit, got, tt.want)
			}
			if tt.limit > 0 && Total(got) > tt.limit {
				t.Fatalf("Total = %d, want <= %d", Total(got), tt.limit)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	got, dropped := Normalize(map[string]int{"a": -2, "b": 0, "c": 3, "reconciler": 4, "default": 1})
	want := map[string]int{"c": 3, "default": 1}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Normalize = %v, want %v", got, want)
	}
	if !dropped {
		t.Fatal("dropped = false, want true")
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		current   map[string]int
		desired   map[string]int
		wantKeep  []string
		wantStart map[string]int
		wantStop  map[string]int
	}{
		{
			name:      "grow global",
			current:   map[string]int{"default": 2},
			desired:   map[string]int{"default": 5},
			wantKeep:  []string{"default"},
			wantStart: map[string]int{"default": 3},
			wantStop:  map[string]int{},
		},
		{
			name:      "sharded mix",
			current:   map[string]int{"a": 2, "b": 1},
			desired:   map[string]int{"a": 1, "c": 2},
			wantKeep:  []string{"a"},
			wantStart: map[string]int{"c": 2},
			wantStop:  map[string]int{"a": 1, "b": 1},
		},
		{
			name:      "drain",
			current:   map[string]int{"a": 2},
			desired:   map[string]int{},
			wantStart: map[string]int{},
			wantStop:  map[string]int{"a": 2},
		},
		{
			name:      "converged",
			current:   map[string]int{"a": 2},
			desired:   map[string]int{"a": 2},
			wantKeep:  []string{"a"},
			wantStart: map[string]int{},
			wantStop:  map[string]int{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := Diff(tt.current, tt.desired)
			if !reflect.DeepEqual(p.Keep, tt.wantKeep) {
				t.Fatalf("Keep = %v, want %v", p.Keep, tt.wantKeep)
			}
			if !reflect.DeepEqual(p.Start, tt.wantStart) {
				t.Fatalf("Start = %v, want %v", p.Start, tt.wantStart)
			}
			if !reflect.DeepEqual(p.Stop, tt.wantStop) {
				t.Fatalf("Stop = %v, want %v", p.Stop, tt.wantStop)
			}
		})
	}
}
