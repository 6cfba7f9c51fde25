package storage

import (
	"log"
	"os"
	"sync"

	"github.com/rtchat/meshcore/internal/util"
)

// fileDoc is the on-disk shape of a FileStore, built on the same
// WriteJSONFile-backed persistence used for config files.
type fileDoc struct {
	Keys []string          `json:"keys"`
	Data map[string]string `json:"data"`
}

// FileStore is a JSON-file-backed Store — the browser-local analogue for
// non-browser hosts. Every mutation re-reads the file first (tolerating a
// writer elsewhere sharing the file) then rewrites it whole, the same
// re-read-before-every-write discipline the tab registry relies on for
// cross-process coordination.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore opens (creating if absent) a FileStore backed by path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if werr := util.WriteJSONFile(path, fileDoc{Data: map[string]string{}}); werr != nil {
			return nil, werr
		}
	}
	return fs, nil
}

func (f *FileStore) load() fileDoc {
	var doc fileDoc
	if err := util.ReadJSONFile(f.path, &doc); err != nil {
		log.Printf("storage: file read error for %s: %v", f.path, err)
		return fileDoc{Data: map[string]string{}}
	}
	if doc.Data == nil {
		doc.Data = map[string]string{}
	}
	return doc
}

func (f *FileStore) save(doc fileDoc) error {
	if err := util.WriteJSONFile(f.path, doc); err != nil {
		log.Printf("storage: file write error for %s: %v", f.path, err)
		return err
	}
	return nil
}

func (f *FileStore) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.load()
	v, ok := doc.Data[key]
	return v, ok
}

func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.load()
	if _, exists := doc.Data[key]; !exists {
		doc.Keys = append(doc.Keys, key)
	}
	doc.Data[key] = value
	return f.save(doc)
}

func (f *FileStore) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.load()
	if _, exists := doc.Data[key]; !exists {
		return nil
	}
	delete(doc.Data, key)
	for i, k := range doc.Keys {
		if k == key {
			doc.Keys = append(doc.Keys[:i], doc.Keys[i+1:]...)
			break
		}
	}
	return f.save(doc)
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(fileDoc{Data: map[string]string{}})
}

func (f *FileStore) KeyAt(i int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.load()
	if i < 0 || i >= len(doc.Keys) {
		return "", false
	}
	return doc.Keys[i], true
}

func (f *FileStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.load().Keys)
}
