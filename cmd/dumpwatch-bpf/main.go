// dumpwatch-bpf is the optional companion binary that kprobes do_coredump
// and keeps the pinned backtrace-samples map alive for the main dumpwatch
// process to read best-effort diagnostic frames from. It has nothing to
// do with dumpwatch's own dump production; it just sits on the side
// sampling whatever the kernel happens to be core-dumping.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dumpwatch/dumpwatch/bpfbacktracer"
)

func main() {
	stopper := make(chan os.Signal, 1)
	signal.Notify(stopper, os.Interrupt, syscall.SIGTERM)

	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	}); err != nil {
		log.Fatalf("setting temporary rlimit: %s", err)
	}

	t, err := bpfbacktracer.NewTracer()
	if err != nil {
		log.Fatalf("bpfbacktracer.NewTracer failed: %v", err)
	}
	defer t.Close()

	log.Println("dumpwatch-bpf: kprobe attached to do_coredump, map pinned at /sys/fs/bpf/" + bpfbacktracer.SamplesMapName)
	<-stopper
}
