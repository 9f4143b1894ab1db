package configuration

import "testing"

func TestApplyDefaultsFillsUnsetQuantities(t *testing.T) {
	c := NewConfig()
	c.ApplyDefaults()

	if c.NumberOfDumpsToCollect != DefaultNumberOfDumps {
		t.Errorf("NumberOfDumpsToCollect = %d, want %d", c.NumberOfDumpsToCollect, DefaultNumberOfDumps)
	}
	if c.ThresholdSeconds != DefaultThresholdSecs {
		t.Errorf("ThresholdSeconds = %d, want %d", c.ThresholdSeconds, DefaultThresholdSecs)
	}
	if c.CoreDumpPath != "." {
		t.Errorf("CoreDumpPath = %q, want \".\"", c.CoreDumpPath)
	}
	if !c.Triggers.TimerOnly {
		t.Error("Triggers.TimerOnly = false, want true when no other trigger is configured")
	}
}

func TestApplyDefaultsDoesNotSetTimerOnlyWhenATriggerIsConfigured(t *testing.T) {
	c := NewConfig()
	c.Triggers.CPUEnabled = true
	c.Triggers.CPUThreshold = 50
	c.ApplyDefaults()

	if c.Triggers.TimerOnly {
		t.Error("Triggers.TimerOnly = true, want false when a polling trigger is configured")
	}
}

func TestValidateRejectsDumpCountOutOfRange(t *testing.T) {
	c := NewConfig()
	c.NumberOfDumpsToCollect = MaxDumpCount + 1
	if err := c.Validate(); err == nil {
		t.Error("Validate() = nil, want an error for a dump count above MaxDumpCount")
	}
}

func TestValidateRejectsMixingSignalAndPollingTriggers(t *testing.T) {
	c := NewConfig()
	c.ApplyDefaults()
	c.Triggers.Signals = []int{11}
	c.Triggers.CPUEnabled = true
	c.Triggers.CPUThreshold = 50
	if err := c.Validate(); err == nil {
		t.Error("Validate() = nil, want an error when signal and polling triggers are both set")
	}
}

func TestValidateRejectsCPUThresholdOutOfRange(t *testing.T) {
	c := NewConfig()
	c.ApplyDefaults()
	c.Triggers.CPUEnabled = true
	c.Triggers.CPUThreshold = MaximumCPUPercent() + 1
	if err := c.Validate(); err == nil {
		t.Error("Validate() = nil, want an error for a CPU threshold above MaximumCPUPercent()")
	}
}

func TestValidateAcceptsAWellFormedConfig(t *testing.T) {
	c := NewConfig()
	c.Triggers.ThreadThreshold = 64
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestCloneProducesIndependentSignalling(t *testing.T) {
	c := NewConfig()
	c.Triggers.Memory = []MemoryThreshold{{MegaBytes: 100}, {MegaBytes: 200}}
	c.Triggers.Signals = []int{11, 6}
	c.ApplyDefaults()

	clone := c.Clone(4242)
	if clone.ResolvedPID != 4242 {
		t.Errorf("clone.ResolvedPID = %d, want 4242", clone.ResolvedPID)
	}
	if clone.QuitEvent != c.QuitEvent {
		t.Error("clone.QuitEvent should be the same shared process-wide event")
	}
	if clone.StartMonitoringEvent == c.StartMonitoringEvent {
		t.Error("clone.StartMonitoringEvent should be a fresh per-target event")
	}

	clone.Triggers.Memory[0].MegaBytes = 999
	if c.Triggers.Memory[0].MegaBytes == 999 {
		t.Error("mutating clone.Triggers.Memory affected the original Config")
	}

	clone.IncrementDumpsCollected()
	if c.DumpsCollected() != 0 {
		t.Error("incrementing the clone's dump counter affected the original Config")
	}
}

func TestMemoryThresholdSequencing(t *testing.T) {
	c := NewConfig()
	c.Triggers.Memory = []MemoryThreshold{{MegaBytes: 100}, {MegaBytes: 200}}

	first, ok := c.NextMemoryThreshold()
	if !ok || first.MegaBytes != 100 {
		t.Fatalf("NextMemoryThreshold() = (%v, %v), want (100, true)", first, ok)
	}
	c.AdvanceMemoryThreshold()

	second, ok := c.NextMemoryThreshold()
	if !ok || second.MegaBytes != 200 {
		t.Fatalf("NextMemoryThreshold() = (%v, %v), want (200, true)", second, ok)
	}
	c.AdvanceMemoryThreshold()

	if _, ok := c.NextMemoryThreshold(); ok {
		t.Error("NextMemoryThreshold() = ok after exhausting every threshold, want false")
	}
}

func TestIncrementDumpsCollectedReportsCap(t *testing.T) {
	c := NewConfig()
	c.NumberOfDumpsToCollect = 2

	if reachedCap := c.IncrementDumpsCollected(); reachedCap {
		t.Error("IncrementDumpsCollected() reported the cap reached after the first dump of two")
	}
	if reachedCap := c.IncrementDumpsCollected(); !reachedCap {
		t.Error("IncrementDumpsCollected() did not report the cap reached after the second dump of two")
	}
}

func TestGcorePIDDefaultsToNoPID(t *testing.T) {
	c := NewConfig()
	if c.GcorePID() != NoPID {
		t.Errorf("GcorePID() = %d, want NoPID", c.GcorePID())
	}
	c.SetGcorePID(4242)
	if c.GcorePID() != 4242 {
		t.Errorf("GcorePID() = %d, want 4242", c.GcorePID())
	}
}
