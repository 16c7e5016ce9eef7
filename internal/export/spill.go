package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"chatmigrate/internal/domain"
)

// spillSource serves messages out of a JSONL spill file. Records are written
// in upstream (descending) order with their byte offsets remembered, so the
// ascending index i maps to file record len-1-i and reads are a single
// ReadAt. Only the offset table lives in memory.
type spillSource struct {
	f       *os.File
	offsets []int64
	lengths []int
}

func (s *spillSource) Len() int { return len(s.offsets) }

func (s *spillSource) Message(i int) (domain.Message, error) {
	n := len(s.offsets)
	if i < 0 || i >= n {
		return domain.Message{}, fmt.Errorf("message index %d out of range [0,%d)", i, n)
	}
	rec := n - 1 - i
	buf := make([]byte, s.lengths[rec])
	if _, err := s.f.ReadAt(buf, s.offsets[rec]); err != nil {
		return domain.Message{}, fmt.Errorf("read spill record %d: %w", rec, err)
	}
	var m domain.Message
	if err := json.Unmarshal(buf, &m); err != nil {
		return domain.Message{}, fmt.Errorf("decode spill record %d: %w", rec, err)
	}
	return m, nil
}

func (s *spillSource) Close() error {
	name := s.f.Name()
	err := s.f.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}

func spillExport(r io.Reader, opts Options) (Source, error) {
	dir := opts.SpillDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "chatmigrate-export-*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}

	src := &spillSource{f: f}
	w := bufio.NewWriter(f)
	var off int64

	err = decodeExport(r, func(m domain.Message) error {
		if !keep(m, opts) {
			return nil
		}
		line, err := json.Marshal(m)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
		src.offsets = append(src.offsets, off)
		src.lengths = append(src.lengths, len(line)-1)
		off += int64(len(line))
		return nil
	})
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return src, nil
}
