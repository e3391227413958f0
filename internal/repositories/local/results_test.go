package local

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/cochaviz/tapwire/internal/analysis"
	"github.com/cochaviz/tapwire/internal/appmeta"
	"github.com/cochaviz/tapwire/internal/har"
)

func testDocument(t *testing.T, urls ...string) *har.Document {
	t.Helper()
	doc := &har.Document{Log: har.Log{Version: "1.2", Entries: []har.Entry{}}}
	for _, url := range urls {
		doc.Log.Entries = append(doc.Log.Entries, har.Entry{Request: har.Request{Method: "GET", URL: url}})
	}
	doc.Annotate(har.Metadata{Scope: har.Scope{Mode: "allow-list", Apps: []string{"com.example.app"}}})
	return doc
}

func TestResultStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := &ResultStore{BaseDir: filepath.Join(t.TempDir(), "results")}
	result := &analysis.Result{
		App: appmeta.Metadata{ID: "com.example.app"},
		Traffic: map[string]*har.Document{
			"2024-05-01T10:00:00Z": testDocument(t, "https://a.example.com/x", "https://b.example.com/y"),
			"2024-05-01T10:05:00Z": testDocument(t),
		},
	}

	stored, err := store.StoreResult(result)
	if err != nil {
		t.Fatalf("StoreResult() error = %v", err)
	}
	if len(stored) != 2 || stored[0].Collection != "2024-05-01T10:00:00Z" {
		t.Fatalf("StoreResult() = %+v, want two captures in name order", stored)
	}
	if stored[0].Entries != 2 || !slices.Equal(stored[0].Hosts, []string{"a.example.com", "b.example.com"}) {
		t.Fatalf("capture = %+v", stored[0])
	}

	listed, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("List() returned %d captures, want 2", len(listed))
	}

	doc, err := store.Load(stored[0])
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.Log.Tapwire == nil || doc.Log.Tapwire.Scope.Apps[0] != "com.example.app" || len(doc.Log.Entries) != 2 {
		t.Fatalf("Load() = %+v", doc.Log)
	}

	for _, capture := range stored {
		if err := store.Remove(capture); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
	}
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("files left after Remove() = %d", len(entries))
	}
}

func TestResultStoreRequiresBaseDir(t *testing.T) {
	t.Parallel()

	store := &ResultStore{}
	if _, err := store.Store("app", "c", testDocument(t)); err == nil {
		t.Fatal("Store() error = nil without base directory")
	}
	listed, err := (&ResultStore{BaseDir: filepath.Join(t.TempDir(), "missing")}).List()
	if err != nil || listed != nil {
		t.Fatalf("List() on missing dir = %v, %v", listed, err)
	}
}
