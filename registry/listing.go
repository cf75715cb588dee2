package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DefaultPageSize is the keyset page size for the full-registry listing.
const DefaultPageSize = 10000

// Batch is one page of package names from the full-registry listing.
type Batch struct {
	Names      []string
	Cumulative int // names handed out so far, this batch included
	Total      int // upstream's row-count estimate
}

// Lister paginates the registry's full package listing.
type Lister struct {
	client   *Client
	pageSize int
}

// ListerOption configures a Lister.
type ListerOption func(*Lister)

// WithPageSize sets the keyset page size.
func WithPageSize(n int) ListerOption {
	return func(l *Lister) {
		l.pageSize = n
	}
}

// NewLister creates a Lister on top of client.
func NewLister(client *Client, opts ...ListerOption) *Lister {
	l := &Lister{
		client:   client,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type allDocsResponse struct {
	TotalRows int          `json:"total_rows"`
	Offset    int          `json:"offset"`
	Rows      []allDocsRow `json:"rows"`
}

type allDocsRow struct {
	ID  string          `json:"id"`
	Key json.RawMessage `json:"key"`
}

// Batches returns a pull-based iterator over listing pages. Each call to the
// returned function fetches the next page and reports done=true after the
// final page has been handed out. Any page fetch failure is fatal to the
// iteration: the same error is returned on every subsequent call and no
// partial page is delivered.
//
// The boundary item shared between consecutive keyset pages is dropped from
// the later page, and internal registry documents are filtered out.
func (l *Lister) Batches(ctx context.Context) func() (Batch, bool, error) {
	return l.BatchesFrom(ctx, "")
}

// BatchesFrom is Batches resuming keyset pagination after a previously listed
// name. An empty resume key starts from the beginning.
func (l *Lister) BatchesFrom(ctx context.Context, resumeKey string) func() (Batch, bool, error) {
	var (
		startKey = resumeKey
		first    = resumeKey == ""
		done     bool
		failed   error
		count    int
	)

	return func() (Batch, bool, error) {
		if failed != nil {
			return Batch{}, true, failed
		}
		if done {
			return Batch{}, true, nil
		}

		u := fmt.Sprintf("%s/_all_docs?limit=%d", l.client.BaseURL(), l.pageSize)
		if !first {
			key, err := json.Marshal(startKey)
			if err != nil {
				failed = err
				return Batch{}, true, failed
			}
			u += "&startkey=" + url.QueryEscape(string(key))
		}

		var resp allDocsResponse
		if err := l.client.GetJSON(ctx, u, &resp); err != nil {
			failed = fmt.Errorf("listing page after %q: %w", startKey, err)
			return Batch{}, true, failed
		}

		names := make([]string, 0, len(resp.Rows))
		for i, row := range resp.Rows {
			// The startkey row repeats the last item of the previous page.
			if !first && i == 0 && row.ID == startKey {
				continue
			}
			if skipFeedEntry(row.ID) {
				continue
			}
			names = append(names, row.ID)
		}

		if len(resp.Rows) > 0 {
			startKey = resp.Rows[len(resp.Rows)-1].ID
		}
		if len(resp.Rows) < l.pageSize {
			done = true
		}
		first = false

		count += len(names)
		return Batch{Names: names, Cumulative: count, Total: resp.TotalRows}, done, nil
	}
}

// ListAll drains Batches into a single ordered name list.
func (l *Lister) ListAll(ctx context.Context) ([]string, error) {
	next := l.Batches(ctx)

	var names []string
	for {
		batch, done, err := next()
		if err != nil {
			return nil, err
		}
		names = append(names, batch.Names...)
		if done {
			return names, nil
		}
	}
}

// ScopedName reports whether a package name is inside an npm scope.
func ScopedName(name string) bool {
	return strings.HasPrefix(name, "@") && strings.Contains(name, "/")
}
