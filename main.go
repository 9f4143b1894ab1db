package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/dumpwatch/dumpwatch/bpfbacktracer"
	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/configuration/provider"
	"github.com/dumpwatch/dumpwatch/core"
	"github.com/dumpwatch/dumpwatch/report"
)

// setUpLogger sends log output to w and tags every line with a per-run uuid,
// the same log.SetPrefix convention the teacher's main used to make
// concurrently-running instances distinguishable in a shared log file.
func setUpLogger(w io.Writer) {
	log.SetOutput(w)
	log.SetPrefix(fmt.Sprintf("%s: ", uuid.NewString()))
}

func main() {
	var (
		pidFlag      = flag.Int64("p", 0, "attach to an existing process by pid")
		pgidFlag     = flag.Int64("pgid", 0, "monitor every process in a process group")
		waitName     = flag.String("w", "", "wait for, and monitor, a process by name")
		batchFile    = flag.String("file", "", "path to a JSON batch of target configurations")
		numDumps     = flag.Int("n", 0, "number of dumps to collect before exiting")
		thresholdSec = flag.Int("s", 0, "consecutive seconds a trigger must hold before firing")
		pollMs       = flag.Int("pf", 0, "polling interval in milliseconds")
		cpuThreshold = flag.Float64("c", 0, "CPU usage threshold, in percent")
		cpuBelow     = flag.Bool("cl", false, "trigger below, rather than at or above, -c")
		memThresh    = flag.String("m", "", "comma-separated commit-memory thresholds, in MB")
		memBelow     = flag.Bool("ml", false, "trigger below, rather than at or above, -m")
		threadCount  = flag.Int("tc", 0, "thread-count threshold")
		fdCount      = flag.Int("fc", 0, "file-descriptor-count threshold")
		signals      = flag.String("sig", "", "comma-separated signal numbers")
		coreMask     = flag.String("mc", "", "hex coredump_filter mask to apply while dumping")
		overwrite    = flag.Bool("o", false, "overwrite an existing dump file")
		helperPath   = flag.String("helper", core.HelperPath, "path to the gcore-compatible dump helper")
		outputName   = flag.String("on", "", "custom dump file base name")
		backtraceMap = flag.String("btmap", "", "pinned eBPF map written by dumpwatch-bpf; when set, dumps carry a best-effort kernel-sampled backtrace")
		logFile      = flag.String("log", "", "append log output to this file instead of stderr")
	)
	flag.Parse()

	core.Bootstrap()
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Println(err)
			setUpLogger(os.Stderr)
		} else {
			setUpLogger(f)
			defer f.Close()
		}
	} else {
		setUpLogger(os.Stderr)
	}

	cfgs, err := resolveConfigs(*pidFlag, *pgidFlag, *waitName, *batchFile)
	if err != nil {
		log.Fatalf("dumpwatch: %v", err)
	}

	if err := applyFlagOverrides(cfgs, flagOverrides{
		numDumps:     *numDumps,
		thresholdSec: *thresholdSec,
		pollMs:       *pollMs,
		cpuThreshold: *cpuThreshold,
		cpuBelow:     *cpuBelow,
		memThresh:    *memThresh,
		memBelow:     *memBelow,
		threadCount:  *threadCount,
		fdCount:      *fdCount,
		signals:      *signals,
		coreMask:     *coreMask,
		overwrite:    *overwrite,
		outputName:   *outputName,
		outputDir:    lastArg(),
		backtraceMap: *backtraceMap,
	}); err != nil {
		log.Fatalf("dumpwatch: %v", err)
	}

	engine := core.NewEngine(afero.NewOsFs())
	engine.HelperPath = *helperPath
	engine.Sink = &report.LogBasedReporter{Logger: log.Default()}

	if *backtraceMap != "" {
		reader, err := bpfbacktracer.OpenMapReaderFromPath(*backtraceMap)
		if err != nil {
			log.Printf("dumpwatch: %v; dumps will carry no kernel-sampled backtrace", err)
		} else {
			defer reader.Close()
			engine.Backtraces = reader
		}
	}

	if err := engine.Run(context.Background(), cfgs); err != nil {
		log.Println(err)
		os.Exit(255)
	}
}

// lastArg returns the final positional argument (the output directory in
// the single-target invocation forms), or "" when none was given.
func lastArg() string {
	args := flag.Args()
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}

// resolveConfigs is the thin, explicitly out-of-scope (spec.md §1) CLI
// layer: it does no trigger validation of its own, it only hands the
// engine a TargetSpec already resolved into Config values via the
// provider registry (configuration/provider), exactly as
// SPEC_FULL.md §2.1 describes.
func resolveConfigs(pid, pgid int64, waitName, batchFile string) ([]*configuration.Config, error) {
	ctx := context.Background()
	switch {
	case batchFile != "":
		p, err := provider.Open("file", batchFile)
		if err != nil {
			return nil, err
		}
		return p.Get(ctx)
	case pid != 0:
		p, err := provider.Open("pid", strconv.FormatInt(pid, 10))
		if err != nil {
			return nil, err
		}
		return p.Get(ctx)
	case pgid != 0:
		p, err := provider.Open("pgid", strconv.FormatInt(pgid, 10))
		if err != nil {
			return nil, err
		}
		return p.Get(ctx)
	case waitName != "":
		p, err := provider.Open("name-wait", waitName)
		if err != nil {
			return nil, err
		}
		return p.Get(ctx)
	default:
		return nil, fmt.Errorf("one of -p, -pgid, -w, or -file is required")
	}
}

type flagOverrides struct {
	numDumps     int
	thresholdSec int
	pollMs       int
	cpuThreshold float64
	cpuBelow     bool
	memThresh    string
	memBelow     bool
	threadCount  int
	fdCount      int
	signals      string
	coreMask     string
	overwrite    bool
	outputName   string
	outputDir    string
	backtraceMap string
}

// applyFlagOverrides layers flag-level settings onto every Config a
// provider produced. Every flag that is set overrides the matching
// setting on each Config, including per-target settings from a batch
// file; single-target invocations (-p/-pgid/-w) have exactly one Config
// to layer onto.
func applyFlagOverrides(cfgs []*configuration.Config, o flagOverrides) error {
	memThresholds, err := parseMemoryThresholds(o.memThresh, o.memBelow)
	if err != nil {
		return err
	}
	sigs, err := parseSignals(o.signals)
	if err != nil {
		return err
	}
	var mask int64 = -1
	if o.coreMask != "" {
		mask, err = strconv.ParseInt(strings.TrimPrefix(o.coreMask, "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("invalid -mc mask %q: %w", o.coreMask, err)
		}
	}

	for _, cfg := range cfgs {
		if o.numDumps > 0 {
			cfg.NumberOfDumpsToCollect = o.numDumps
		}
		if o.thresholdSec > 0 {
			cfg.ThresholdSeconds = o.thresholdSec
		}
		if o.pollMs > 0 {
			cfg.PollingInterval = time.Duration(o.pollMs) * time.Millisecond
		}
		if o.cpuThreshold > 0 {
			cfg.Triggers.CPUEnabled = true
			cfg.Triggers.CPUThreshold = o.cpuThreshold
			cfg.Triggers.CPUBelow = o.cpuBelow
		}
		if len(memThresholds) > 0 {
			cfg.Triggers.Memory = memThresholds
		}
		if o.threadCount > 0 {
			cfg.Triggers.ThreadThreshold = o.threadCount
		}
		if o.fdCount > 0 {
			cfg.Triggers.FileDescThreshold = o.fdCount
		}
		if len(sigs) > 0 {
			cfg.Triggers.Signals = sigs
		}
		if mask != -1 {
			cfg.CoreDumpMask = mask
		}
		if o.overwrite {
			cfg.OverwriteExisting = true
		}
		if o.outputName != "" {
			cfg.CoreDumpName = o.outputName
		}
		if o.outputDir != "" {
			cfg.CoreDumpPath = o.outputDir
		}
		if o.backtraceMap != "" {
			cfg.BacktraceMapPath = o.backtraceMap
		}
	}
	return nil
}

func parseMemoryThresholds(s string, below bool) ([]configuration.MemoryThreshold, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]configuration.MemoryThreshold, 0, len(parts))
	for _, p := range parts {
		mb, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid -m threshold %q: %w", p, err)
		}
		out = append(out, configuration.MemoryThreshold{MegaBytes: mb, Below: below})
	}
	return out, nil
}

func parseSignals(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid -sig value %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
