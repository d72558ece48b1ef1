package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// ErrChecksumMismatch is returned when the written copy does not hash to the
// same value as the bytes read from the source.
var ErrChecksumMismatch = errors.New("copy checksum does not match source")

// CopyThrottled copies srcPath to dstPath at no more than rateBytesPerSec
// (zero means unthrottled) and returns the SHA-256 of the copied bytes. With
// verify set the destination is read back and compared against that sum.
//
// The source must not be written to during the copy; callers copy a closed
// backing file.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, verify bool) ([]byte, error) {
	// best effort; an unprivileged process may be refused
	_ = lowerPriority()

	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		burst := chunkSize
		if rateBytesPerSec < int64(burst) {
			burst = int(rateBytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), burst)
	}

	var (
		readOff int64
		sum     = sha256.New()
	)
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if err := waitN(ctx, limiter, n); err != nil {
				return nil, fmt.Errorf("rate limiter error: %w", err)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync error: %w", err)
	}
	checksum := sum.Sum(nil)

	if verify {
		got, err := FileChecksum(dstPath)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(got, checksum) {
			return nil, fmt.Errorf("%w: %s has %x, source %x", ErrChecksumMismatch, dstPath, got, checksum)
		}
	}
	return checksum, nil
}

// waitN takes n tokens, in bursts no larger than the limiter allows.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	for n > 0 {
		step := min(n, limiter.Burst())
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// FileChecksum returns the SHA-256 of the file at path.
func FileChecksum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}
