// store.go persists received relay messages, one file per message. Records
// are immutable once written; the store only appends.
package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/medrelay-project/medrelay/internal/core"
)

// Store is the append-only file store for ReceivedDataRecords.
type Store struct {
	dir string
	mu  sync.Mutex // serializes writes within the directory
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save writes the record to its own file, named deterministically from
// type, source and timestamp.
func (s *Store) Save(rec core.ReceivedDataRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", &core.StorageError{Op: "ensuring received dir", Cause: err}
	}

	filename := fmt.Sprintf("%s_%s_%d.json", sanitize(rec.Type), sanitize(rec.Source), rec.Timestamp.UnixNano())
	rec.Filename = filename

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", &core.StorageError{Op: "marshaling record", Cause: err}
	}
	if err := writeFileAtomic(filepath.Join(s.dir, filename), data); err != nil {
		return "", &core.StorageError{Op: "writing record", Cause: err}
	}
	return filename, nil
}

// writeFileAtomic writes via a temp file and rename so concurrent readers
// never observe a partially written record.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// List returns all persisted records, newest first. Side-effect-free.
func (s *Store) List() ([]core.ReceivedDataRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &core.StorageError{Op: "listing received dir", Cause: err}
	}

	var records []core.ReceivedDataRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, &core.StorageError{Op: "reading record", Cause: err}
		}
		var rec core.ReceivedDataRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, &core.StorageError{Op: "parsing record " + e.Name(), Cause: err}
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
