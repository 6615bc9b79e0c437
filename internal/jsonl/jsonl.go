// Package jsonl appends and reads newline-delimited JSON files shared by
// several writers.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// maxLine bounds a single record when reading.
const maxLine = 4 << 20

// Append writes record as one JSON line to path. The write holds an
// exclusive advisory lock and is fsynced before the lock is released. If the
// file is renamed away by Take while we wait for the lock, the write is
// retried against the new file.
func Append(path string, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	for {
		done, err := appendOnce(path, line)
		if err != nil || done {
			return err
		}
	}
}

func appendOnce(path string, line []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return false, fmt.Errorf("lock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	if !stillAt(f, path) {
		return false, nil
	}
	if _, err := f.Write(line); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return false, fmt.Errorf("sync %s: %w", path, err)
	}
	return true, nil
}

// stillAt reports whether f is still the file named by path.
func stillAt(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	named, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, named)
}

// Drain moves path aside and hands its well-formed lines to consume. The
// lines are dropped only when consume succeeds; on failure they go back to
// path. Appends racing with Drain land either in the drained lines or in a
// fresh file. A missing file does not call consume.
func Drain(path string, consume func([]json.RawMessage) error) error {
	aside := fmt.Sprintf("%s.taking-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("rename %s: %w", path, err)
	}
	lines, err := readAside(aside)
	if err != nil {
		return errors.Join(err, restore(path, aside, nil))
	}
	if err := consume(lines); err != nil {
		return errors.Join(err, restore(path, aside, lines))
	}
	if err := os.Remove(aside); err != nil {
		return fmt.Errorf("remove %s: %w", aside, err)
	}
	return nil
}

func readAside(aside string) ([]json.RawMessage, error) {
	f, err := os.Open(aside)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", aside, err)
	}
	defer f.Close()
	// Wait for writers that locked the old file before the rename.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("lock %s: %w", aside, err)
	}
	var out []json.RawMessage
	err = ReadAll(aside, func(raw json.RawMessage) error {
		out = append(out, raw)
		return nil
	})
	return out, err
}

// restore puts a drained file back. The file is relinked whole when nothing
// has recreated path yet; otherwise lines are appended to the new file.
func restore(path, aside string, lines []json.RawMessage) error {
	if err := os.Link(aside, path); err != nil {
		if lines == nil {
			return fmt.Errorf("restore %s: left at %s: %w", path, aside, err)
		}
		for _, l := range lines {
			if err := Append(path, l); err != nil {
				return fmt.Errorf("restore %s: %w", path, err)
			}
		}
	}
	if err := os.Remove(aside); err != nil {
		return fmt.Errorf("remove %s: %w", aside, err)
	}
	return nil
}

// ReadAll calls fn with each well-formed line of path. Blank and malformed
// lines are skipped. A missing file has no lines. Returning an error from fn
// stops the scan.
func ReadAll(path string, fn func(json.RawMessage) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		if err := fn(json.RawMessage(bytes.Clone(line))); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

// Decode reads every line of path that decodes into T.
func Decode[T any](path string) ([]T, error) {
	var out []T
	err := ReadAll(path, func(raw json.RawMessage) error {
		var v T
		if json.Unmarshal(raw, &v) == nil {
			out = append(out, v)
		}
		return nil
	})
	return out, err
}
