package fiber

import (
	"math/rand/v2"
	"testing"
	"time"
)

func newEntries(n int) []*Fiber {
	out := make([]*Fiber, n)
	for i := range out {
		out[i] = &Fiber{name: string(rune('A' + i)), seq: uint64(i + 1), slot: -1}
	}
	return out
}

func sleepUntil(f *Fiber, at time.Time) {
	f.sleeping = true
	f.wakeAt = at
}

func TestReadySet_PickRunnable(t *testing.T) {
	tests := []struct {
		name   string
		wakes  []time.Duration // <0 means not sleeping
		now    time.Duration
		want   string
		remain int
	}{
		{name: "first ready", wakes: []time.Duration{-1, -1, -1}, want: "A", remain: 2},
		{name: "skips sleeper", wakes: []time.Duration{10, -1, -1}, want: "B", remain: 2},
		{name: "due sleeper in order", wakes: []time.Duration{10, -1}, now: 10, want: "A", remain: 1},
		{name: "all asleep", wakes: []time.Duration{10, 20}, want: "", remain: 2},
	}
	for _, kind := range []ReadySetKind{ReadySetLinear, ReadySetHeap} {
		for _, tt := range tests {
			t.Run(string(kind)+"/"+tt.name, func(t *testing.T) {
				set := newReadySet(kind)
				for i, f := range newEntries(len(tt.wakes)) {
					if tt.wakes[i] >= 0 {
						sleepUntil(f, epoch.Add(tt.wakes[i]))
					}
					set.push(f)
				}
				got := set.pickRunnable(epoch.Add(tt.now))
				name := ""
				if got != nil {
					name = got.name
				}
				if name != tt.want {
					t.Errorf("pickRunnable() = %q, want %q", name, tt.want)
				}
				if set.len() != tt.remain {
					t.Errorf("len() = %d, want %d", set.len(), tt.remain)
				}
			})
		}
	}
}

func TestReadySet_Earliest(t *testing.T) {
	for _, kind := range []ReadySetKind{ReadySetLinear, ReadySetHeap} {
		t.Run(string(kind), func(t *testing.T) {
			set := newReadySet(kind)
			fs := newEntries(4)
			sleepUntil(fs[0], epoch.Add(30))
			sleepUntil(fs[1], epoch.Add(10))
			sleepUntil(fs[2], epoch.Add(10))
			for _, f := range fs {
				set.push(f)
			}
			if got := set.earliest(); got != fs[1] {
				t.Errorf("earliest() = %s, want B", got.name)
			}
			set.remove(fs[1])
			if got := set.earliest(); got != fs[2] {
				t.Errorf("earliest() after remove = %s, want C", got.name)
			}
			if set.len() != 3 {
				t.Errorf("len() = %d, want 3", set.len())
			}
		})
	}
}

func TestHeapSet_Reposition(t *testing.T) {
	set := &heapSet{}
	fs := newEntries(3)
	for _, f := range fs {
		set.push(f)
	}
	sleepUntil(fs[0], epoch.Add(time.Second))
	set.reposition(fs[0])

	if fs[0].slot != 0 || len(set.sleepers) != 1 {
		t.Fatalf("slot = %d sleepers = %d, want 0 and 1", fs[0].slot, len(set.sleepers))
	}
	if got := set.pickRunnable(epoch); got != fs[1] {
		t.Errorf("pickRunnable() = %s, want B", got.name)
	}
	if got := set.pickRunnable(epoch.Add(time.Second)); got != fs[0] {
		t.Errorf("pickRunnable() after wake = %s, want A ahead of C", got.name)
	}
}

func TestSleepHeap_SlotsTrackPositions(t *testing.T) {
	set := &heapSet{}
	fs := newEntries(8)
	r := rand.New(rand.NewPCG(3, 4))
	for _, f := range fs {
		sleepUntil(f, epoch.Add(time.Duration(r.IntN(5))))
		set.push(f)
	}
	set.remove(fs[3])
	set.remove(fs[6])
	for i, f := range set.sleepers {
		if f.slot != i {
			t.Errorf("%s slot = %d, at index %d", f.name, f.slot, i)
		}
	}
	var prev *Fiber
	for set.len() > 0 {
		f := set.earliest()
		if prev != nil && (f.wakeAt.Before(prev.wakeAt) || f.wakeAt.Equal(prev.wakeAt) && f.seq < prev.seq) {
			t.Errorf("%s popped after %s out of order", f.name, prev.name)
		}
		set.remove(f)
		prev = f
	}
}

func TestLinearSet_ShuffleKeepsMembers(t *testing.T) {
	set := &linearSet{}
	fs := newEntries(6)
	for _, f := range fs {
		set.push(f)
	}
	set.shuffle(rand.New(rand.NewPCG(9, 9)))

	seen := map[*Fiber]bool{}
	for _, f := range set.entries() {
		seen[f] = true
	}
	if len(seen) != len(fs) {
		t.Errorf("shuffle lost entries: %d of %d", len(seen), len(fs))
	}
}
