package blockdevice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileDevice is a reference Device backed by regular files, one per
// chunk name, created lazily on first OpenChunk. It exists for tests and
// the bench CLI standing in for a real flash translation layer, the way
// go-ublk's in-memory backend stands in for a real ublk device during its
// own tests.
type FileDevice struct {
	dir string
}

// NewFileDevice creates a Device rooted at dir. The directory must already
// exist.
func NewFileDevice(dir string) *FileDevice {
	return &FileDevice{dir: dir}
}

// OpenChunk opens (creating if needed) the file backing name. Every call
// returns an independent handle, so each worker and the bookkeeping
// chunk own their handle's close lifecycle. maxAsync bounds the number
// of WriteBlockAsync operations the chunk allows in-flight at once; 0
// or a negative value selects the default of 64.
func (d *FileDevice) OpenChunk(name string, maxAsync int) (Chunk, error) {
	path := d.dir + string(os.PathSeparator) + name
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open chunk %q: %w", name, err)
	}

	return &fileChunk{
		file: f,
		sem:  make(chan struct{}, maxAsyncOrDefault(maxAsync)),
	}, nil
}

func maxAsyncOrDefault(maxAsync int) int {
	if maxAsync <= 0 {
		return 64
	}
	return maxAsync
}

type fileChunk struct {
	mu   sync.Mutex
	file *os.File
	sem  chan struct{}
}

func (c *fileChunk) ReadBlock(ctx context.Context, startLBA uint64, blockCount uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	need := int(blockCount) * BlockSize
	if len(buf) < need {
		return fmt.Errorf("blockdevice: buffer too small: have %d, need %d", len(buf), need)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.file.ReadAt(buf[:need], int64(startLBA)*BlockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("blockdevice: read block %d+%d: %w", startLBA, blockCount, err)
	}
	// A raw flash device returns data for any valid LBA, never EOF;
	// reading past the end of the backing file yields zeros.
	for i := n; i < need; i++ {
		buf[i] = 0
	}
	return nil
}

func (c *fileChunk) WriteBlock(ctx context.Context, startLBA uint64, blockCount uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	need := int(blockCount) * BlockSize
	if len(buf) < need {
		return fmt.Errorf("blockdevice: buffer too small: have %d, need %d", len(buf), need)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.file.WriteAt(buf[:need], int64(startLBA)*BlockSize); err != nil {
		return fmt.Errorf("blockdevice: write block %d+%d: %w", startLBA, blockCount, err)
	}
	return nil
}

func (c *fileChunk) WriteBlockAsync(ctx context.Context, startLBA uint64, blockCount uint32, buf []byte) <-chan error {
	result := make(chan error, 1)

	c.sem <- struct{}{}
	go func() {
		defer func() { <-c.sem }()
		result <- c.WriteBlock(ctx, startLBA, blockCount, buf)
	}()

	return result
}

func (c *fileChunk) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}
