// Package buffer is the node's bounded store-and-forward queue: telemetry
// entries that could not be uploaded are appended as JSON lines to a file
// and drained oldest-first once the uplink is back.
package buffer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

var (
	// ErrFull is returned by Append when either capacity limit is reached.
	ErrFull = errors.New("buffer: full")
	// ErrTooLarge is returned by Append for an entry that alone exceeds MaxBytes.
	ErrTooLarge = errors.New("buffer: entry exceeds size limit")
	// ErrUnavailable means the backing file could not be opened or created.
	ErrUnavailable = errors.New("buffer: storage unavailable")
)

const (
	DefaultMaxEntries = 2000
	DefaultMaxBytes   = 500000
)

// Options bound the buffer. Zero values select the defaults.
type Options struct {
	MaxEntries int
	MaxBytes   int64
}

// Status is a point-in-time summary for diagnostics.
type Status struct {
	Path         string `json:"path"`
	Entries      int    `json:"entries"`
	SizeBytes    int64  `json:"size_bytes"`
	MaxEntries   int    `json:"max_entries"`
	MaxBytes     int64  `json:"max_bytes"`
	UsagePercent int    `json:"usage_percent"`
}

// Buffer is safe for concurrent use. Mutations are serialised; reads share.
type Buffer struct {
	fs   afero.Fs
	path string
	opts Options
	mu   sync.RWMutex
}

// Open prepares the buffer file at path, creating it and its directory when
// absent. A trailing partial line left by an interrupted write is dropped.
func Open(fs afero.Fs, path string, opts Options) (*Buffer, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create dir %s: %v", ErrUnavailable, dir, err)
		}
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	defer f.Close()

	b := &Buffer{fs: fs, path: path, opts: opts}
	if err := b.repairTail(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return b, nil
}

func (b *Buffer) repairTail(f afero.File) error {
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", b.path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if err := f.Truncate(int64(keep)); err != nil {
		return fmt.Errorf("truncate torn entry in %s: %w", b.path, err)
	}
	return nil
}

func (b *Buffer) Path() string { return b.path }

// Append adds v as the newest entry.
func (b *Buffer) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("buffer: encode entry: %w", err)
	}
	// Read scans lines of at most MaxBytes; a longer one would wedge the queue.
	if int64(len(line))+1 > b.opts.MaxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(line)+1, b.opts.MaxBytes)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.readLocked(0)
	if err != nil {
		return err
	}
	size, err := b.sizeLocked()
	if err != nil {
		return err
	}
	if len(entries) >= b.opts.MaxEntries || size >= b.opts.MaxBytes {
		return fmt.Errorf("%w: %d entries, %d bytes", ErrFull, len(entries), size)
	}

	f, err := b.fs.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("buffer: open for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("buffer: append: %w", err)
	}
	return f.Sync()
}

// Read returns up to max entries from the head, oldest first. max <= 0
// returns every entry.
func (b *Buffer) Read(max int) ([]json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readLocked(max)
}

func (b *Buffer) readLocked(max int) ([]json.RawMessage, error) {
	f, err := b.fs.Open(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buffer: open: %w", err)
	}
	defer f.Close()

	var out []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), int(b.opts.MaxBytes)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, json.RawMessage(append([]byte(nil), line...)))
		if max > 0 && len(out) == max {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("buffer: scan: %w", err)
	}
	return out, nil
}

// EntryCount is the number of stored entries.
func (b *Buffer) EntryCount() (int, error) {
	entries, err := b.Read(0)
	return len(entries), err
}

// SizeBytes is the size of the backing file. An absent file is empty.
func (b *Buffer) SizeBytes() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sizeLocked()
}

func (b *Buffer) sizeLocked() (int64, error) {
	fi, err := b.fs.Stat(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("buffer: stat: %w", err)
	}
	return fi.Size(), nil
}

// UsagePercent is SizeBytes as a floored percentage of MaxBytes.
func (b *Buffer) UsagePercent() (int, error) {
	size, err := b.SizeBytes()
	if err != nil {
		return 0, err
	}
	return int(size * 100 / b.opts.MaxBytes), nil
}

func (b *Buffer) Status() (Status, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries, err := b.readLocked(0)
	if err != nil {
		return Status{}, err
	}
	size, err := b.sizeLocked()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Path:         b.path,
		Entries:      len(entries),
		SizeBytes:    size,
		MaxEntries:   b.opts.MaxEntries,
		MaxBytes:     b.opts.MaxBytes,
		UsagePercent: int(size * 100 / b.opts.MaxBytes),
	}, nil
}

// RemovePrefix drops the n oldest entries. The remainder is written to a
// temporary file that replaces the buffer by rename; on any failure the
// buffer is left as it was.
func (b *Buffer) RemovePrefix(n int) error {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.readLocked(0)
	if err != nil {
		return err
	}
	if n >= len(entries) {
		return b.truncateLocked()
	}

	var out bytes.Buffer
	for _, e := range entries[n:] {
		out.Write(e)
		out.WriteByte('\n')
	}

	tmp := b.path + ".tmp"
	if err := afero.WriteFile(b.fs, tmp, out.Bytes(), 0o644); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("buffer: write remainder: %w", err)
	}
	if err := b.fs.Rename(tmp, b.path); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("buffer: replace: %w", err)
	}
	return nil
}

// Clear removes every entry. Clearing an empty buffer is a no-op.
func (b *Buffer) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncateLocked()
}

func (b *Buffer) truncateLocked() error {
	f, err := b.fs.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("buffer: truncate: %w", err)
	}
	return f.Close()
}
