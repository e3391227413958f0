package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/tapwire/internal/analysis"
	"github.com/cochaviz/tapwire/internal/har"
)

const (
	trafficSuffix  = ".har.json"
	metadataSuffix = ".meta.json"
)

// StoredCapture describes one persisted traffic document.
type StoredCapture struct {
	ID         string    `json:"id"`
	AppID      string    `json:"app_id,omitempty"`
	Collection string    `json:"collection"`
	URI        string    `json:"uri"`
	Entries    int       `json:"entries"`
	Hosts      []string  `json:"hosts"`
	StoredAt   time.Time `json:"stored_at"`
}

// ResultStore persists captured traffic as HAR files under BaseDir, each with
// a sibling metadata document.
type ResultStore struct {
	BaseDir string
}

// StoreResult writes every collection of result, ordered by collection name.
func (store *ResultStore) StoreResult(result *analysis.Result) ([]StoredCapture, error) {
	if result == nil {
		return nil, errors.New("result is required")
	}
	names := make([]string, 0, len(result.Traffic))
	for name := range result.Traffic {
		names = append(names, name)
	}
	sort.Strings(names)

	stored := make([]StoredCapture, 0, len(names))
	for _, name := range names {
		capture, err := store.Store(result.App.ID, name, result.Traffic[name])
		if err != nil {
			return stored, err
		}
		stored = append(stored, capture)
	}
	return stored, nil
}

// Store writes one traffic document.
func (store *ResultStore) Store(appID, collection string, doc *har.Document) (StoredCapture, error) {
	if store.BaseDir == "" {
		return StoredCapture{}, errors.New("base directory is not configured")
	}
	if doc == nil {
		return StoredCapture{}, errors.New("traffic document is required")
	}
	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return StoredCapture{}, err
	}

	id := uuid.NewString()
	path := filepath.Join(store.BaseDir, id+trafficSuffix)
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return StoredCapture{}, fmt.Errorf("encode traffic: %w", err)
	}
	if err := writeFileAtomic(path, payload); err != nil {
		return StoredCapture{}, err
	}

	capture := StoredCapture{
		ID:         id,
		AppID:      appID,
		Collection: collection,
		URI:        fileURI(path),
		Entries:    len(doc.Log.Entries),
		Hosts:      doc.Hosts(),
		StoredAt:   time.Now().UTC(),
	}
	if err := store.writeMetadata(path, capture); err != nil {
		_ = os.Remove(path)
		return StoredCapture{}, err
	}
	return capture, nil
}

// List returns the metadata of all stored captures, oldest first.
func (store *ResultStore) List() ([]StoredCapture, error) {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var captures []StoredCapture
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metadataSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(store.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var capture StoredCapture
		if err := json.Unmarshal(data, &capture); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Name(), err)
		}
		captures = append(captures, capture)
	}
	sort.Slice(captures, func(i, j int) bool {
		return captures[i].StoredAt.Before(captures[j].StoredAt)
	})
	return captures, nil
}

// Load reads the traffic document of a stored capture.
func (store *ResultStore) Load(capture StoredCapture) (*har.Document, error) {
	path, err := pathFromFileURI(capture.URI)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return har.Decode(data)
}

// Remove deletes the traffic file and its metadata document.
func (store *ResultStore) Remove(capture StoredCapture) error {
	path, err := pathFromFileURI(capture.URI)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metadataPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (store *ResultStore) writeMetadata(filePath string, capture StoredCapture) error {
	payload, err := json.MarshalIndent(capture, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(metadataPath(filePath), payload)
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func metadataPath(path string) string {
	return strings.TrimSuffix(path, trafficSuffix) + metadataSuffix
}

func fileURI(path string) string {
	return "file://" + path
}

func pathFromFileURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("unsupported URI scheme")
	}
	return strings.TrimPrefix(uri, "file://"), nil
}
