// Package export turns a raw message export into an ascending, filtered,
// index-addressable message source.
//
// The upstream API only returns messages newest-first, possibly split across
// pages. The export file is a JSON array of records in that order, or an
// array of such pages. Normalization concatenates the pages, reverses into
// chronological order, and drops system events (no sender, empty body) and,
// unless configured otherwise, records marked deleted at the source.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"chatmigrate/internal/domain"
)

type Options struct {
	// IncludeDeleted keeps records the source marked deleted. Default off.
	IncludeDeleted bool
	// SpillThreshold is the export file size in bytes above which records are
	// staged to a sidecar spill file instead of held in memory. <=0 disables
	// spilling.
	SpillThreshold int64
	// SpillDir is where the spill file is created. Empty means the system
	// temp directory.
	SpillDir string
}

// Source is an ordered, read-only view of the normalized export. Index 0 is
// the oldest message.
type Source interface {
	Len() int
	Message(i int) (domain.Message, error)
	Close() error
}

type memorySource struct {
	msgs []domain.Message
}

func (s *memorySource) Len() int { return len(s.msgs) }

func (s *memorySource) Message(i int) (domain.Message, error) {
	if i < 0 || i >= len(s.msgs) {
		return domain.Message{}, fmt.Errorf("message index %d out of range [0,%d)", i, len(s.msgs))
	}
	return s.msgs[i], nil
}

func (s *memorySource) Close() error { return nil }

// ReadExport opens the export file and returns a normalized Source. Exports
// larger than opts.SpillThreshold are staged through a spill file so the
// whole export never sits in the working set.
func ReadExport(path string, opts Options) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	if opts.SpillThreshold > 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat export: %w", err)
		}
		if info.Size() > opts.SpillThreshold {
			return spillExport(f, opts)
		}
	}

	var kept []domain.Message
	err = decodeExport(f, func(m domain.Message) error {
		if keep(m, opts) {
			kept = append(kept, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	reverse(kept)
	return &memorySource{msgs: kept}, nil
}

// Normalize is the in-memory normalization step on already-decoded pages,
// each page newest-first as returned by the upstream.
func Normalize(pages [][]domain.Message, opts Options) []domain.Message {
	var kept []domain.Message
	for _, page := range pages {
		for _, m := range page {
			if keep(m, opts) {
				kept = append(kept, m)
			}
		}
	}
	reverse(kept)
	return kept
}

func keep(m domain.Message, opts Options) bool {
	if m.IsSystemEvent() {
		return false
	}
	if m.Deleted && !opts.IncludeDeleted {
		return false
	}
	return true
}

func reverse(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// decodeExport streams records out of either export shape without buffering
// the file: a flat array of records, or an array of pages (arrays of
// records). Records are yielded in file order, i.e. newest first.
func decodeExport(r io.Reader, fn func(domain.Message) error) error {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode export: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("decode export: expected top-level array, got %v", tok)
	}

	first := true
	paged := false
	for dec.More() {
		if first {
			first = false
			// Peek the shape of the first element.
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return fmt.Errorf("decode export: %w", err)
			}
			if len(raw) > 0 && raw[0] == '[' {
				paged = true
				if err := decodePage(raw, fn); err != nil {
					return err
				}
			} else {
				var m domain.Message
				if err := json.Unmarshal(raw, &m); err != nil {
					return fmt.Errorf("decode export record: %w", err)
				}
				if err := fn(m); err != nil {
					return err
				}
			}
			continue
		}

		if paged {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return fmt.Errorf("decode export page: %w", err)
			}
			if err := decodePage(raw, fn); err != nil {
				return err
			}
		} else {
			var m domain.Message
			if err := dec.Decode(&m); err != nil {
				return fmt.Errorf("decode export record: %w", err)
			}
			if err := fn(m); err != nil {
				return err
			}
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode export: %w", err)
	}
	return nil
}

func decodePage(raw json.RawMessage, fn func(domain.Message) error) error {
	var page []domain.Message
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Errorf("decode export page: %w", err)
	}
	for _, m := range page {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}
