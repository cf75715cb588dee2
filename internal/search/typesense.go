package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
)

const collectionName = "packages"

// Typesense implements Index against a Typesense server.
type Typesense struct {
	client *typesense.Client
}

// NewTypesense connects to a Typesense server and ensures the packages
// collection exists.
func NewTypesense(ctx context.Context, serverURL, apiKey string) (*Typesense, error) {
	client := typesense.NewClient(
		typesense.WithServer(serverURL),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(10*time.Second),
	)

	t := &Typesense{client: client}
	if err := t.ensureCollection(ctx); err != nil {
		return nil, fmt.Errorf("ensuring collection: %w", err)
	}
	return t, nil
}

func (t *Typesense) ensureCollection(ctx context.Context) error {
	_, err := t.client.Collection(collectionName).Retrieve(ctx)
	if err == nil {
		return nil
	}

	schema := &api.CollectionSchema{
		Name: collectionName,
		Fields: []api.Field{
			{Name: "name", Type: "string"},
			{Name: "scope", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "description", Type: "string", Optional: pointer.True()},
			{Name: "keywords", Type: "string[]", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "latest_version", Type: "string", Index: pointer.False(), Optional: pointer.True()},
			{Name: "license", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "homepage", Type: "string", Index: pointer.False(), Optional: pointer.True()},
			{Name: "repository", Type: "string", Index: pointer.False(), Optional: pointer.True()},
			{Name: "unpacked_size", Type: "int64", Optional: pointer.True()},
			{Name: "dependency_count", Type: "int32", Optional: pointer.True()},
			{Name: "version_count", Type: "int32", Optional: pointer.True()},
			{Name: "deprecated", Type: "bool", Optional: pointer.True()},
			{Name: "modified_at", Type: "int64", Optional: pointer.True()},
		},
		DefaultSortingField: pointer.String("modified_at"),
	}
	_, err = t.client.Collections().Create(ctx, schema)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

func (t *Typesense) Upsert(ctx context.Context, doc Document) error {
	_, err := t.client.Collection(collectionName).Documents().Upsert(ctx, doc)
	if err != nil {
		return fmt.Errorf("upserting %s: %w", doc.ID, err)
	}
	return nil
}

func (t *Typesense) Delete(ctx context.Context, name string) error {
	_, err := t.client.Collection(collectionName).Document(name).Delete(ctx)
	if err != nil {
		if isTypesenseNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}

func (t *Typesense) Get(ctx context.Context, name string) (*Document, error) {
	raw, err := t.client.Collection(collectionName).Document(name).Retrieve(ctx)
	if err != nil {
		if isTypesenseNotFound(err) {
			return nil, ErrNotIndexed
		}
		return nil, fmt.Errorf("retrieving %s: %w", name, err)
	}

	// The client returns documents as generic maps; round-trip through JSON
	// to get the typed shape back.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func isTypesenseNotFound(err error) bool {
	var httpErr *typesense.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "Not Found") || strings.Contains(err.Error(), "404")
}

var _ Index = (*Typesense)(nil)
