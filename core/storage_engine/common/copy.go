// Package common holds file helpers shared by the storage components.
package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// ErrChecksumMismatch is returned when a verified copy does not read back
// the bytes that were read from the source.
var ErrChecksumMismatch = errors.New("copy checksum mismatch")

// chunkSize: size of each read/write chunk
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyOptions tunes CopyThrottled.
type CopyOptions struct {
	// RateBytesPerSec caps throughput; 0 disables throttling.
	RateBytesPerSec int64
	// Verify hashes the source bytes while copying, rereads the synced
	// destination and fails with ErrChecksumMismatch if they differ.
	Verify bool
	// Mode of the created file; 0 keeps the source mode.
	Mode os.FileMode
}

// CopyResult reports what CopyThrottled wrote.
type CopyResult struct {
	Bytes    int64
	Checksum []byte // nil unless Verify was set
}

// CopyThrottled copies srcPath to dstPath chunk by chunk, waiting on a token
// bucket between chunks so background copies do not starve foreground I/O.
// The destination is fsynced before returning. A cancelled ctx aborts the copy.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, opts CopyOptions) (CopyResult, error) {
	var res CopyResult

	src, err := os.Open(srcPath)
	if err != nil {
		return res, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	mode := opts.Mode
	if mode == 0 {
		if fi, err := src.Stat(); err == nil {
			mode = fi.Mode().Perm()
		} else {
			mode = 0644
		}
	}

	// create dest file with same permissions where possible
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return res, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if opts.RateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateBytesPerSec), chunkSize) // burst = chunkSize
	}

	var sum hash.Hash
	if opts.Verify {
		sum = sha256.New()
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var readOff int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return res, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return res, fmt.Errorf("write error: %w", werr)
			}
			if sum != nil {
				sum.Write(buf[:n])
			}
			readOff += int64(n)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return res, fmt.Errorf("sync error: %w", err)
	}

	res.Bytes = readOff
	if sum != nil {
		res.Checksum = sum.Sum(nil)
		if err := VerifyFile(dstPath, res.Checksum); err != nil {
			return res, err
		}
	}
	return res, nil
}

// VerifyFile checks that the sha256 of the file at path equals want.
func VerifyFile(path string, want []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for verify: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("read for verify: %w", err)
	}
	if got := h.Sum(nil); !bytes.Equal(got, want) {
		return fmt.Errorf("%w: %s: got %x, want %x", ErrChecksumMismatch, path, got, want)
	}
	return nil
}
