// Package registry tracks the lifecycle of processes and threads seen
// in a trace, elects each process's main thread, and implements
// merge-threads mode as a policy on lookup rather than a
// post-processing pass (spec component C6).
package registry

import (
	"container/list"
	"strings"

	"github.com/jrmuizel/etw-profiler/internal/ctxswitch"
	"github.com/jrmuizel/etw-profiler/internal/libmap"
)

// Target selects which processes are tracked: either an exact process
// id given on the CLI, or a case-sensitive substring of the image
// file name. Exactly one of PID/NameSubstr is meaningful; PID == 0
// means "match by name".
type Target struct {
	PID        int
	NameSubstr string
}

// Matches reports whether a process with the given id and image name
// should be tracked under this target.
func (t Target) Matches(pid int, imageName string) bool {
	if t.PID != 0 {
		return pid == t.PID
	}
	return strings.Contains(imageName, t.NameSubstr)
}

// Process is a tracked process and its per-process state: the
// lib-mapping queue for native modules, a second queue for the
// synthetic JIT library (see internal/jit), and the elected main
// thread.
type Process struct {
	ID           int
	ImageName    string
	MainThreadID int // 0 if no main thread elected yet
	Libs         *libmap.Queue
	JITLibs      *libmap.Queue
}

// Thread is a tracked thread and the mutable state components C2 and
// C5 need per thread: the context-switch accumulator and the pending-
// stack FIFO.
type Thread struct {
	ID        int
	ProcessID int
	Name      string
	IsMain    bool
	CS        ctxswitch.State
	Pending   *list.List
}

// MergePolicy decides which thread a sample originating on (proc,
// thread) is ultimately recorded against, and whether an extra label
// frame naming the original thread must be synthesized.
type MergePolicy interface {
	// Attribute returns the thread samples should be recorded
	// against. hasLabel is true only in merge mode, in which case
	// label is the normalized original-thread name to push as an
	// extra frame.
	Attribute(r *Registry, proc *Process, thr *Thread) (target *Thread, label string, hasLabel bool)
}

type perThreadPolicy struct{}

func (perThreadPolicy) Attribute(_ *Registry, _ *Process, thr *Thread) (*Thread, string, bool) {
	return thr, "", false
}

// mergedGlobalPolicy routes every sample to one synthetic thread under
// one synthetic process, labeling each sample with the normalized name
// of the thread it actually came from.
type mergedGlobalPolicy struct {
	thread *Thread
}

func (m *mergedGlobalPolicy) Attribute(_ *Registry, _ *Process, thr *Thread) (*Thread, string, bool) {
	return m.thread, normalizeThreadName(thr.Name), true
}

const (
	mergedProcessID = -1
	mergedThreadID  = -1
)

// normalizeThreadName strips a trailing "#<n>" disambiguator (e.g.
// "Worker#3" -> "Worker") so merged-mode label frames group threads
// that are really the same logical worker under one name.
func normalizeThreadName(name string) string {
	i := strings.LastIndexByte(name, '#')
	if i < 0 {
		return name
	}
	for _, r := range name[i+1:] {
		if r < '0' || r > '9' {
			return name
		}
	}
	if i == len(name)-1 {
		return name
	}
	return name[:i]
}

// Registry holds every tracked process and thread.
type Registry struct {
	target    Target
	policy    MergePolicy
	processes map[int]*Process
	threads   map[int]*Thread
}

// New returns an empty Registry. When merge is true, all samples from
// tracked threads are attributed to one synthetic global thread
// (merge-threads mode); otherwise each thread keeps its own identity.
func New(target Target, merge bool) *Registry {
	r := &Registry{
		target:    target,
		processes: make(map[int]*Process),
		threads:   make(map[int]*Thread),
	}
	if merge {
		r.policy = &mergedGlobalPolicy{thread: &Thread{
			ID:        mergedThreadID,
			ProcessID: mergedProcessID,
			Name:      "Merged thread",
			IsMain:    true,
			Pending:   list.New(),
		}}
	} else {
		r.policy = perThreadPolicy{}
	}
	return r
}

// Policy returns the registry's merge policy, for callers (C5, C9)
// that need to resolve the attribution thread for a sample or marker.
func (r *Registry) Policy() MergePolicy { return r.policy }

// Process returns the tracked process by id, or nil if untracked.
func (r *Registry) Process(pid int) *Process { return r.processes[pid] }

// Thread returns the tracked thread by id, or nil if untracked.
func (r *Registry) Thread(tid int) *Thread { return r.threads[tid] }

// Processes returns every tracked process, for the final flush.
func (r *Registry) Processes() map[int]*Process { return r.processes }

// Threads returns every tracked thread, for the final flush's stale
// pending-stack sweep (spec.md §4.5 step 4).
func (r *Registry) Threads() map[int]*Thread { return r.threads }

// OnProcessStart handles Process/Start and Process/DCStart. It enrolls
// the process if it matches the configured target; returns the
// Process record and whether it is now tracked.
func (r *Registry) OnProcessStart(pid int, imageName string) (*Process, bool) {
	if p, ok := r.processes[pid]; ok {
		p.ImageName = imageName
		return p, true
	}
	if !r.target.Matches(pid, imageName) {
		return nil, false
	}
	p := &Process{
		ID:        pid,
		ImageName: imageName,
		Libs:      &libmap.Queue{},
		JITLibs:   &libmap.Queue{},
	}
	r.processes[pid] = p
	return p, true
}

// OnThreadStart handles Thread/Start and Thread/DCStart. A Thread/Start
// for an id that is already tracked *replaces* the prior record: ETW
// may deliver late stack-walks or context-switches that still name an
// already-ended thread id, and treating the stale record as live would
// misattribute samples to the wrong logical thread.
//
// The first Thread/Start seen for a tracked process becomes its main
// thread; later starts on the same process are never main, even if
// the original main thread has since ended.
func (r *Registry) OnThreadStart(pid, tid int) *Thread {
	p, ok := r.processes[pid]
	if !ok {
		return nil
	}
	isMain := p.MainThreadID == 0
	t := &Thread{
		ID:        tid,
		ProcessID: pid,
		IsMain:    isMain,
		Pending:   list.New(),
	}
	if isMain {
		p.MainThreadID = tid
	}
	r.threads[tid] = t
	return t
}

// OnThreadEnd handles Thread/End and Thread/DCEnd. The record is left
// in place (not deleted) so that late events referencing tid before a
// replacing Thread/Start still resolve to it; only a subsequent
// Thread/Start for the same id replaces it.
func (r *Registry) OnThreadEnd(tid int) {}

// OnThreadSetName handles Thread/SetName.
func (r *Registry) OnThreadSetName(tid int, name string) {
	if t, ok := r.threads[tid]; ok {
		t.Name = name
	}
}
