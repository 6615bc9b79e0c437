package betarun

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MaxAllocAttempts bounds directory allocation retries.
const MaxAllocAttempts = 10

// ErrAllocExhausted is returned when every allocation attempt collided.
var ErrAllocExhausted = errors.New("run directory allocation exhausted")

// AllocateDir creates root/<base>-NNN where NNN is one more than the highest
// existing sequence for base. base is re-evaluated on every attempt so that
// time-stamped bases can move on. The directory is created with os.Mkdir so
// that a concurrent allocator taking the same name is detected and retried.
func AllocateDir(root string, base func() string) (string, string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", "", fmt.Errorf("create run root: %w", err)
	}
	for attempt := 0; attempt < MaxAllocAttempts; attempt++ {
		b := base()
		seq, err := nextSeq(root, b)
		if err != nil {
			return "", "", err
		}
		id := fmt.Sprintf("%s-%03d", b, seq)
		dir := filepath.Join(root, id)
		err = os.Mkdir(dir, 0o755)
		if err == nil {
			return id, dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", fmt.Errorf("create run dir: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return "", "", ErrAllocExhausted
}

func nextSeq(root, base string) (int, error) {
	des, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("list run root: %w", err)
	}
	next := 1
	for _, de := range des {
		if !de.IsDir() || !strings.HasPrefix(de.Name(), base+"-") {
			continue
		}
		tail := de.Name()[strings.LastIndex(de.Name(), "-")+1:]
		if n, err := strconv.Atoi(tail); err == nil && n+1 > next {
			next = n + 1
		}
	}
	return next, nil
}

// SumsFile is the checksum manifest written into every run directory.
const SumsFile = "SHA256SUMS.txt"

// WriteSHA256Sums writes "<hex>  <relpath>" lines for every file under dir,
// sorted by path, into dir/SHA256SUMS.txt.
func WriteSHA256Sums(dir string) error {
	var lines []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || (filepath.Dir(path) == dir && d.Name() == SumsFile) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		lines = append(lines, hex.EncodeToString(sum[:])+"  "+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("hash run files: %w", err)
	}
	content := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(filepath.Join(dir, SumsFile), []byte(content), 0o644)
}
