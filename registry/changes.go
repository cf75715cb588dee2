package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenk/backoff"
)

// Change is one entry from the registry's append-only change log.
type Change struct {
	Seq     int64
	Name    string
	Deleted bool
}

// FeedOption configures a ChangeFeed.
type FeedOption func(*ChangeFeed)

// WithFeedLimit sets the number of changes requested per poll.
func WithFeedLimit(n int) FeedOption {
	return func(f *ChangeFeed) {
		f.limit = n
	}
}

// WithFeedInterval sets the idle delay between polls that returned no changes.
func WithFeedInterval(d time.Duration) FeedOption {
	return func(f *ChangeFeed) {
		f.interval = d
	}
}

// WithFeedMaxRetries bounds consecutive failed polls before the stream fails.
func WithFeedMaxRetries(n int) FeedOption {
	return func(f *ChangeFeed) {
		f.maxRetries = n
	}
}

// WithFeedBackoff sets the initial and maximum reconnect delays.
func WithFeedBackoff(initial, max time.Duration) FeedOption {
	return func(f *ChangeFeed) {
		f.initialDelay = initial
		f.maxDelay = max
	}
}

// ChangeFeed polls the registry change log from a sequence cursor.
type ChangeFeed struct {
	client       *Client
	limit        int
	interval     time.Duration
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// NewChangeFeed creates a feed reader on top of client.
func NewChangeFeed(client *Client, opts ...FeedOption) *ChangeFeed {
	f := &ChangeFeed{
		client:       client,
		limit:        200,
		interval:     10 * time.Second,
		maxRetries:   10,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type changesResponse struct {
	Results []changeRow `json:"results"`
	LastSeq int64       `json:"last_seq"`
}

type changeRow struct {
	Seq     int64  `json:"seq"`
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// Poll fetches one page of changes after the given sequence. The returned
// cursor is the sequence to resume from; it advances even when every row on
// the page was filtered out.
func (f *ChangeFeed) Poll(ctx context.Context, since int64) ([]Change, int64, error) {
	u := fmt.Sprintf("%s/_changes?since=%d&limit=%d", f.client.BaseURL(), since, f.limit)

	var resp changesResponse
	if err := f.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, since, err
	}

	cursor := since
	changes := make([]Change, 0, len(resp.Results))
	for _, row := range resp.Results {
		if row.Seq > cursor {
			cursor = row.Seq
		}
		if skipFeedEntry(row.ID) {
			continue
		}
		changes = append(changes, Change{Seq: row.Seq, Name: row.ID, Deleted: row.Deleted})
	}
	if resp.LastSeq > cursor {
		cursor = resp.LastSeq
	}
	return changes, cursor, nil
}

// Stream delivers changes starting after the since cursor on the returned
// channel. The stream is infinite: it polls, waits when the feed is idle, and
// reconnects on transient failures with exponential backoff. A successful
// poll resets the retry budget. When the budget is exhausted the change
// channel is closed and a single error wrapping ErrFeedClosed is sent, so
// changes are either delivered or the stream fails, never silently dropped.
//
// Cancelling ctx closes both channels without an error.
func (f *ChangeFeed) Stream(ctx context.Context, since int64) (<-chan Change, <-chan error) {
	out := make(chan Change)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		cursor := since
		retries := 0

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = f.initialDelay
		policy.MaxInterval = f.maxDelay
		policy.Multiplier = 2.0
		policy.MaxElapsedTime = 0
		policy.Reset()

		for {
			changes, next, err := f.Poll(ctx, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				retries++
				if retries > f.maxRetries {
					errc <- fmt.Errorf("%w: %d consecutive poll failures, last: %v", ErrFeedClosed, retries-1, err)
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(policy.NextBackOff()):
				}
				continue
			}

			retries = 0
			policy.Reset()

			for _, ch := range changes {
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
			cursor = next

			if len(changes) == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(f.interval):
				}
			}
		}
	}()

	return out, errc
}

// skipFeedEntry filters internal registry documents that are not packages.
func skipFeedEntry(id string) bool {
	if id == "" {
		return true
	}
	return strings.HasPrefix(id, "_design/")
}
