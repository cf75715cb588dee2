package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func docsPage(total int, ids ...string) allDocsResponse {
	rows := make([]allDocsRow, len(ids))
	for i, id := range ids {
		rows[i] = allDocsRow{ID: id}
	}
	return allDocsResponse{TotalRows: total, Rows: rows}
}

func TestBatchesPaginatesWithBoundaryDedup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("startkey") {
		case "":
			json.NewEncoder(w).Encode(docsPage(5, "a", "b", "c"))
		case `"c"`:
			// Keyset pages repeat the boundary row.
			json.NewEncoder(w).Encode(docsPage(5, "c", "d", "e"))
		case `"e"`:
			json.NewEncoder(w).Encode(docsPage(5))
		default:
			t.Errorf("unexpected startkey %q", r.URL.Query().Get("startkey"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	lister := NewLister(testClient(server.URL), WithPageSize(3))
	names, err := lister.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}

	want := []string{"a", "b", "c", "d", "e"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestBatchesFromResumesAfterName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("startkey") {
		case `"c"`:
			json.NewEncoder(w).Encode(docsPage(5, "c", "d", "e"))
		case `"e"`:
			json.NewEncoder(w).Encode(docsPage(5))
		default:
			t.Errorf("unexpected startkey %q", r.URL.Query().Get("startkey"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	lister := NewLister(testClient(server.URL), WithPageSize(3))
	next := lister.BatchesFrom(context.Background(), "c")

	batch, done, err := next()
	if err != nil {
		t.Fatalf("resumed page failed: %v", err)
	}
	if done {
		t.Error("full page should not finish the listing")
	}
	want := []string{"d", "e"}
	if !reflect.DeepEqual(batch.Names, want) {
		t.Errorf("expected %v after the resume key, got %v", want, batch.Names)
	}

	if _, done, err := next(); !done || err != nil {
		t.Errorf("expected clean end, got done=%v err=%v", done, err)
	}
}

func TestBatchesStopsOnShortPage(t *testing.T) {
	var pages int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		json.NewEncoder(w).Encode(docsPage(2, "a", "b"))
	}))
	defer server.Close()

	lister := NewLister(testClient(server.URL), WithPageSize(10))
	next := lister.Batches(context.Background())

	batch, done, err := next()
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if !done {
		t.Error("a page shorter than the page size should finish the listing")
	}
	if batch.Cumulative != 2 || batch.Total != 2 {
		t.Errorf("unexpected counters: cumulative=%d total=%d", batch.Cumulative, batch.Total)
	}

	if _, done, err := next(); !done || err != nil {
		t.Errorf("exhausted iterator should report done, got done=%v err=%v", done, err)
	}
	if pages != 1 {
		t.Errorf("expected one page fetch, got %d", pages)
	}
}

func TestBatchesFiltersDesignDocuments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(docsPage(3, "_design/app", "express", "lodash"))
	}))
	defer server.Close()

	lister := NewLister(testClient(server.URL), WithPageSize(10))
	names, err := lister.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	want := []string{"express", "lodash"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestBatchesFailureIsSticky(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	lister := NewLister(testClient(server.URL))
	next := lister.Batches(context.Background())

	_, done, err := next()
	if err == nil || !done {
		t.Fatalf("expected fatal error, got done=%v err=%v", done, err)
	}
	_, _, err2 := next()
	if err2 == nil {
		t.Error("subsequent calls should keep returning the failure")
	}
}

func TestScopedName(t *testing.T) {
	if !ScopedName("@babel/core") {
		t.Error("@babel/core is scoped")
	}
	if ScopedName("react") {
		t.Error("react is not scoped")
	}
}
