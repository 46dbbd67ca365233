// storage.go implements per-role personal storage: the staging area holding
// payloads awaiting the next workflow transition. Each role's store is
// append-only; forwarding an item copies it onward and leaves the original
// in place.
package siprelay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/medrelay-project/medrelay/internal/core"
)

// PersonalStorage is the file-backed per-role staging store. Writes within
// one role's directory are serialized; distinct roles do not contend.
type PersonalStorage struct {
	root string

	mu    sync.Mutex
	locks map[core.Role]*sync.Mutex
}

// NewPersonalStorage creates a store rooted at dir, one subdirectory per role.
func NewPersonalStorage(dir string) *PersonalStorage {
	return &PersonalStorage{
		root:  dir,
		locks: make(map[core.Role]*sync.Mutex),
	}
}

func (ps *PersonalStorage) roleLock(role core.Role) *sync.Mutex {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	l, ok := ps.locks[role]
	if !ok {
		l = &sync.Mutex{}
		ps.locks[role] = l
	}
	return l
}

func (ps *PersonalStorage) roleDir(role core.Role) string {
	return filepath.Join(ps.root, string(role))
}

// Put stages an item in the role's storage. A fresh id is assigned when the
// item has none.
func (ps *PersonalStorage) Put(role core.Role, item core.PersonalStorageItem) (core.PersonalStorageItem, error) {
	lock := ps.roleLock(role)
	lock.Lock()
	defer lock.Unlock()

	if item.ID == "" {
		item.ID = fmt.Sprintf("%s_%d_%s", item.Type, item.Timestamp.UnixNano(), uuid.New().String()[:8])
	}

	dir := ps.roleDir(role)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return item, &core.StorageError{Op: "ensuring storage dir", Cause: err}
	}

	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return item, &core.StorageError{Op: "marshaling item", Cause: err}
	}
	path := filepath.Join(dir, item.ID+".json")
	// Temp file plus rename keeps Get and List from ever seeing a partial
	// write.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return item, &core.StorageError{Op: "writing item", Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return item, &core.StorageError{Op: "writing item", Cause: err}
	}
	return item, nil
}

// Get returns one item from the role's storage, or NotFoundError.
func (ps *PersonalStorage) Get(role core.Role, id string) (core.PersonalStorageItem, error) {
	data, err := os.ReadFile(filepath.Join(ps.roleDir(role), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return core.PersonalStorageItem{}, &core.NotFoundError{Kind: "personal storage item", ID: id}
		}
		return core.PersonalStorageItem{}, &core.StorageError{Op: "reading item", Cause: err}
	}

	var item core.PersonalStorageItem
	if err := json.Unmarshal(data, &item); err != nil {
		return core.PersonalStorageItem{}, &core.StorageError{Op: "parsing item " + id, Cause: err}
	}
	return item, nil
}

// List returns the role's staged items, newest first.
func (ps *PersonalStorage) List(role core.Role) ([]core.PersonalStorageItem, error) {
	entries, err := os.ReadDir(ps.roleDir(role))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &core.StorageError{Op: "listing storage dir", Cause: err}
	}

	var items []core.PersonalStorageItem
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ps.roleDir(role), e.Name()))
		if err != nil {
			return nil, &core.StorageError{Op: "reading item", Cause: err}
		}
		var item core.PersonalStorageItem
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, &core.StorageError{Op: "parsing item " + e.Name(), Cause: err}
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
	return items, nil
}
