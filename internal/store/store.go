// Package store provides append-only JSONL journals with size-based rotation.
// The peer seed book and the pending patch journal are built on these helpers.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	MaxLinesPerFile = 4096
	MaxBytesPerFile = 4 << 20
	MaxRotations    = 3
)

const maxScanSize = 2 << 20

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

// AppendJSONL appends one record to the journal at path, rotating first when
// the active file exceeds the line or byte limit.
func AppendJSONL(path string, rec any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := rotateIfNeeded(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return syncFile(f)
}

// ScanJSONL calls fn for every decodable line across the journal and its
// rotations, oldest first. Undecodable lines are skipped.
func ScanJSONL(path string, fn func(raw []byte) error) error {
	for i := MaxRotations; i >= 0; i-- {
		p := path
		if i > 0 {
			p = fmt.Sprintf("%s.%d", path, i)
		}
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		sc := newScanner(f)
		for sc.Scan() {
			line := make([]byte, len(sc.Bytes()))
			copy(line, sc.Bytes())
			if err := fn(line); err != nil {
				_ = f.Close()
				return err
			}
		}
		if err := sc.Err(); err != nil {
			_ = f.Close()
			return err
		}
		_ = f.Close()
	}
	return nil
}

// ReadLastJSONL returns up to n raw records, newest last.
func ReadLastJSONL(path string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([][]byte, 0, n)
	err := ScanJSONL(path, func(raw []byte) error {
		if len(out) < n {
			out = append(out, raw)
			return nil
		}
		copy(out, out[1:])
		out[n-1] = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func rotateIfNeeded(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	rotate := fi.Size() >= int64(MaxBytesPerFile)
	if !rotate && MaxLinesPerFile > 0 {
		lines, err := countLines(path)
		if err != nil {
			return err
		}
		rotate = lines >= MaxLinesPerFile
	}
	if !rotate {
		return nil
	}
	oldest := fmt.Sprintf("%s.%d", path, MaxRotations)
	_ = os.Remove(oldest)
	for i := MaxRotations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		to := fmt.Sprintf("%s.%d", path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return err
			}
		}
	}
	return os.Rename(path, path+".1")
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}
