// Package configuration defines the per-target configuration record the
// engine is driven by. It replaces the teacher's protobuf-generated
// message (the .proto/.pb.go were build artefacts excluded from the
// retrieval pack) with a plain struct; the provider subpackage keeps the
// teacher's Factory/Register plugin shape for turning a target request
// into one or more validated Configs.
package configuration

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dumpwatch/dumpwatch/syncutil"
)

// MaximumCPUPercent is spec.md §3's MAXIMUM_CPU = 100 * online-core-count,
// the upper bound a CPU trigger threshold may be configured to.
func MaximumCPUPercent() float64 {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return float64(100 * n)
}

// DumpKind identifies which trigger produced a dump, and is the fixed set
// used to build dump file names.
type DumpKind int

const (
	DumpKindCommit DumpKind = iota
	DumpKindCPU
	DumpKindThread
	DumpKindFileDesc
	DumpKindSignal
	DumpKindTime
	DumpKindException
	DumpKindManual
)

var dumpKindStrings = [...]string{
	"commit", "cpu", "thread", "filedesc", "signal", "time", "exception", "manual",
}

func (k DumpKind) String() string {
	if int(k) < 0 || int(k) >= len(dumpKindStrings) {
		return "unknown"
	}
	return dumpKindStrings[k]
}

// Compression selects an optional post-dump compression pass.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZSTD
	CompressionSnappy
)

// Defaults and hard caps, named after the original implementation's
// constants so the relationship to spec.md stays obvious.
const (
	DefaultNumberOfDumps = 1
	MaxDumpCount         = 255
	DefaultThresholdSecs = 10
	MinPollingIntervalMs = 1000
	DefaultSleepAfter    = 1 * time.Second
	NoPID                = -1
)

// MemoryThreshold is one entry of an ordered commit-memory trigger; the
// i-th dump consumes the i-th threshold.
type MemoryThreshold struct {
	MegaBytes int64
	Below     bool
}

// Triggers bundles every optional predicate a target may be configured
// with. This struct only carries the resolved values; mutual exclusion of
// signal/managed and polling triggers is checked by Config.Validate.
type Triggers struct {
	CPUEnabled    bool
	CPUThreshold  float64
	CPUBelow      bool

	Memory []MemoryThreshold

	ThreadThreshold int

	FileDescThreshold int

	// ManagedMemory ties a threshold to a GC generation, or to a
	// cumulative marker when Generation < 0.
	ManagedMemoryEnabled bool
	ManagedMemoryMB      int64
	Generation           int

	// GCGenerationDualShot always produces exactly two dumps: one at GC
	// start, one at GC finish.
	GCGenerationDualShot bool

	Signals []int

	ManagedException       bool
	ExceptionIncludeFilter string
	ExceptionExcludeFilter string

	// TimerOnly is derived (true when no other trigger is set) rather
	// than user-specified; ApplyDefaults sets it.
	TimerOnly bool
}

// HasPollingTrigger reports whether any sampled (non-signal,
// non-managed-exception) trigger is active.
func (t Triggers) HasPollingTrigger() bool {
	return t.CPUEnabled || len(t.Memory) > 0 || t.ThreadThreshold > 0 ||
		t.FileDescThreshold > 0 || t.ManagedMemoryEnabled || t.GCGenerationDualShot
}

// Config is one monitored target's full configuration: identity, triggers,
// quantities, output settings, shared signalling, and mutable runtime
// state. It is created once per discovered target (see provider.Resolve),
// mutated only by its owning monitor, and torn down once every trigger
// goroutine has exited.
type Config struct {
	// Identity. Exactly one of PID/ProcessGroup/ProcessName is set by the
	// provider that created this Config; ResolvedPID is filled in once
	// discovery finds a live process.
	PID              int64
	ProcessGroup     int64
	ProcessName      string
	WaitForLaunch    bool
	EnvFilter        map[string]string
	ResolvedPID      int64
	ProcessNameCache string

	Triggers Triggers

	NumberOfDumpsToCollect int
	ThresholdSeconds       int
	PollingInterval        time.Duration

	CoreDumpPath     string
	CoreDumpName     string
	OverwriteExisting bool
	CoreDumpMask     int64 // -1 means "do not touch"

	Compress         Compression
	SleepAfterHelper time.Duration
	BacktraceMapPath string

	// Shared signalling.
	QuitEvent               *syncutil.Event
	StartMonitoringEvent    *syncutil.Event
	ConfigurationPrinted    *syncutil.Event
	BannerPrinted           *syncutil.Event
	CleanupComplete         *syncutil.Event
	DebugThreadInitialised  *syncutil.Event

	// Bounded concurrency: one dump helper in flight per target.
	DumpSlots *syncutil.Semaphore

	// Mutable runtime state.
	NumberOfDumpsCollected int32 // atomic
	DumpsInProgress        int32 // atomic
	Terminated             int32 // atomic bool
	GcorePid               int32 // atomic, NoPID when idle
	MemoryCurrentThreshold int32 // atomic index into Triggers.Memory

	// Per-trigger snooze-on-fire flags (CPU, memory, timer reset their
	// consecutive-sample counter once they fire).
	SnoozeCPU    bool
	SnoozeMemory bool
	SnoozeTimer  bool

	// PtraceMu serialises the attach/detach sequence for the signal
	// trigger so only one goroutine manipulates ptrace state for this
	// target at a time.
	PtraceMu *sync.Mutex
}

// NewConfig returns a Config with every event/semaphore initialised and
// zero-value quantities, ready for ApplyDefaults.
func NewConfig() *Config {
	return &Config{
		EnvFilter:              map[string]string{},
		CoreDumpMask:           -1,
		GcorePid:               NoPID,
		QuitEvent:              syncutil.NewEvent(),
		StartMonitoringEvent:   syncutil.NewEvent(),
		ConfigurationPrinted:   syncutil.NewEvent(),
		BannerPrinted:          syncutil.NewEvent(),
		CleanupComplete:        syncutil.NewEvent(),
		DebugThreadInitialised: syncutil.NewEvent(),
		DumpSlots:              syncutil.NewSemaphore(1),
		PtraceMu:               &sync.Mutex{},
	}
}

// ApplyDefaults fills in every unset quantity, matching the original's
// ApplyDefaults exactly.
func (c *Config) ApplyDefaults() {
	if c.NumberOfDumpsToCollect == 0 {
		c.NumberOfDumpsToCollect = DefaultNumberOfDumps
	}
	if c.ThresholdSeconds == 0 {
		c.ThresholdSeconds = DefaultThresholdSecs
	}
	if c.PollingInterval == 0 {
		c.PollingInterval = MinPollingIntervalMs * time.Millisecond
	}
	if c.CoreDumpPath == "" {
		c.CoreDumpPath = "."
	}
	if c.SleepAfterHelper == 0 {
		c.SleepAfterHelper = DefaultSleepAfter
	}
	if !c.Triggers.HasPollingTrigger() && len(c.Triggers.Signals) == 0 && !c.Triggers.ManagedException {
		c.Triggers.TimerOnly = true
	}
}

// Validate reports configuration errors: a dump count outside
// [1,MaxDumpCount], signal/managed triggers combined with polling
// triggers, signal combined with managed-exception, and a CPU threshold
// outside [0,MaximumCPUPercent()]. It does not compare the number of
// memory thresholds with NumberOfDumpsToCollect.
func (c *Config) Validate() error {
	if c.NumberOfDumpsToCollect < 1 || c.NumberOfDumpsToCollect > MaxDumpCount {
		return fmt.Errorf("number of dumps to collect must be in [1,%d]", MaxDumpCount)
	}
	hasSignal := len(c.Triggers.Signals) > 0
	hasManaged := c.Triggers.ManagedException
	hasPolling := c.Triggers.HasPollingTrigger()
	if (hasSignal || hasManaged) && hasPolling {
		return fmt.Errorf("signal/managed-exception triggers are mutually exclusive with polling triggers")
	}
	if hasSignal && hasManaged {
		return fmt.Errorf("signal and managed-exception triggers are mutually exclusive")
	}
	if c.Triggers.CPUEnabled {
		if c.Triggers.CPUThreshold < 0 || c.Triggers.CPUThreshold > MaximumCPUPercent() {
			return fmt.Errorf("cpu threshold must be in [0,%g]", MaximumCPUPercent())
		}
	}
	return nil
}

// Clone deep-copies the reference configuration for a newly discovered
// pid: slices are copied, events/semaphores are freshly allocated so each
// target's monitor owns independent signalling, and the resolved pid
// substituted in.
func (c *Config) Clone(resolvedPID int64) *Config {
	clone := *c
	clone.ResolvedPID = resolvedPID
	clone.PID = resolvedPID

	clone.Triggers.Memory = append([]MemoryThreshold(nil), c.Triggers.Memory...)
	clone.Triggers.Signals = append([]int(nil), c.Triggers.Signals...)
	clone.EnvFilter = make(map[string]string, len(c.EnvFilter))
	for k, v := range c.EnvFilter {
		clone.EnvFilter[k] = v
	}

	clone.QuitEvent = c.QuitEvent // quit is process-wide, shared intentionally
	clone.StartMonitoringEvent = syncutil.NewEvent()
	clone.ConfigurationPrinted = syncutil.NewEvent()
	clone.BannerPrinted = c.BannerPrinted // banner stays at-most-once process-wide
	clone.CleanupComplete = syncutil.NewEvent()
	clone.DebugThreadInitialised = syncutil.NewEvent()
	clone.DumpSlots = syncutil.NewSemaphore(1)

	clone.NumberOfDumpsCollected = 0
	clone.DumpsInProgress = 0
	clone.Terminated = 0
	clone.GcorePid = NoPID
	clone.MemoryCurrentThreshold = 0
	clone.PtraceMu = &sync.Mutex{}

	return &clone
}

// IsTerminated reports whether the monitor owning this config has already
// observed target disappearance or quit.
func (c *Config) IsTerminated() bool {
	return atomic.LoadInt32(&c.Terminated) != 0
}

// SetTerminated marks this config's target as gone.
func (c *Config) SetTerminated() {
	atomic.StoreInt32(&c.Terminated, 1)
}

// DumpsCollected reads the collected-dump counter.
func (c *Config) DumpsCollected() int {
	return int(atomic.LoadInt32(&c.NumberOfDumpsCollected))
}

// IncrementDumpsCollected bumps the counter and reports whether the cap
// has now been reached.
func (c *Config) IncrementDumpsCollected() (reachedCap bool) {
	n := atomic.AddInt32(&c.NumberOfDumpsCollected, 1)
	return int(n) >= c.NumberOfDumpsToCollect
}

// GcorePID reads the helper pid; NoPID means no helper is running.
func (c *Config) GcorePID() int {
	return int(atomic.LoadInt32(&c.GcorePid))
}

// SetGcorePID records (or clears, with NoPID) the running helper's pid.
func (c *Config) SetGcorePID(pid int) {
	atomic.StoreInt32(&c.GcorePid, int32(pid))
}

// NextMemoryThreshold returns the threshold the next commit-memory dump
// should use (the i-th dump uses the i-th threshold, per spec.md §3's
// invariant). It does not move the index; AdvanceMemoryThreshold does.
func (c *Config) NextMemoryThreshold() (MemoryThreshold, bool) {
	idx := atomic.LoadInt32(&c.MemoryCurrentThreshold)
	if int(idx) >= len(c.Triggers.Memory) {
		return MemoryThreshold{}, false
	}
	return c.Triggers.Memory[idx], true
}

// AdvanceMemoryThreshold moves to the next threshold after a dump.
func (c *Config) AdvanceMemoryThreshold() {
	atomic.AddInt32(&c.MemoryCurrentThreshold, 1)
}
