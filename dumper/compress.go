package dumper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/utils/xioutil"
)

// maxDiskUsagePercent gates the post-dump compression pass the same way
// the teacher's primary write path gated every byte written to disk
// (_examples/noxiouz-gcoredumper/dumper/dumper.go's diskUsageFn): refuse
// to keep writing once the filesystem crosses this threshold.
const maxDiskUsagePercent = 99

// compress streams an already-produced core file through the configured
// compressor, writing <path>.<suffix> and removing the uncompressed file
// on success. It is a direct descendant of the teacher's Dumper.Dump,
// repurposed from "the primary receiver of kernel-piped core bytes" to "an
// optional secondary pass over a file gcore already wrote." ctx is the same
// per-dump context the helper subprocess ran under; cancelling it stops the
// copy, as in the teacher's own Dump threading its caller's ctx into its
// copy loop. The quit event is not consulted here: a pass that has started
// runs to completion after quit unless ctx is cancelled.
func (w *Writer) compress(ctx context.Context, path string) (string, error) {
	suffix := compressionSuffix(w.cfg.Compress)
	if suffix == "" {
		return path, nil
	}
	dst := path + suffix

	src, err := w.fs.Open(path)
	if err != nil {
		return path, fmt.Errorf("opening dump for compression: %w", err)
	}
	defer src.Close()

	out, err := w.fs.Create(dst)
	if err != nil {
		return path, fmt.Errorf("creating compressed dump: %w", err)
	}
	defer out.Close()

	compressor, err := newCompressor(w.cfg.Compress, out)
	if err != nil {
		return path, err
	}
	defer compressor.Close()

	wr := xioutil.NewCancellableWriter(ctx, compressor)
	if osFile, ok := out.(*os.File); ok {
		wr = xioutil.NewWhileWriter(diskUsageGate(osFile), wr)
	}

	if _, err := io.Copy(wr, src); err != nil {
		w.fs.Remove(dst)
		return path, fmt.Errorf("compressing dump: %w", err)
	}
	if err := compressor.Close(); err != nil {
		w.fs.Remove(dst)
		return path, fmt.Errorf("closing compressor: %w", err)
	}
	if err := w.fs.Remove(path); err != nil {
		log.Printf("dumper: compressed dump written to %s but could not remove uncompressed %s: %v", dst, path, err)
	}
	return dst, nil
}

func diskUsageGate(f *os.File) xioutil.WhileFunc {
	return func([]byte) error {
		var stat unix.Statfs_t
		if err := unix.Fstatfs(int(f.Fd()), &stat); err != nil {
			return err
		}
		blocksUsed := stat.Blocks - stat.Bavail
		if stat.Blocks == 0 {
			return nil
		}
		usagePct := uint(float64(blocksUsed) / float64(stat.Blocks) * 100)
		if usagePct > maxDiskUsagePercent {
			return errors.New("dumper: not enough disk space to compress dump")
		}
		return nil
	}
}

func newCompressor(c configuration.Compression, wr io.Writer) (io.WriteCloser, error) {
	switch c {
	case configuration.CompressionZSTD:
		return zstd.NewWriter(wr)
	case configuration.CompressionSnappy:
		return snappy.NewBufferedWriter(wr), nil
	default:
		return writerNopCloser{wr}, nil
	}
}

func compressionSuffix(c configuration.Compression) string {
	switch c {
	case configuration.CompressionZSTD:
		return ".zstd"
	case configuration.CompressionSnappy:
		return ".snappy"
	default:
		return ""
	}
}

