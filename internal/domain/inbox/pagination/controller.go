package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/domain/inbox/store"
	"github.com/vadim/neo-inbox/pkg/metrics"
)

// PageSize is the number of conversations fetched per page
const PageSize = 10

// State is the load state of the controller
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateError   State = "error"
)

// Fetcher loads conversation pages and counts
type Fetcher interface {
	FetchConversationPage(ctx context.Context, workspaceID string, page, pageSize int, query string) ([]entity.Conversation, error)
	FetchConversationCount(ctx context.Context, workspaceID, query string) (int, error)
}

// Filter is the context a list is loaded for
type Filter struct {
	WorkspaceID string
	Query       string
}

// Controller loads conversation pages into a store.
// hasMore turns false on the first short page and is the only end-of-data signal.
type Controller struct {
	store    *store.Store
	fetcher  Fetcher
	pageSize int
	logger   *zap.Logger

	mu         sync.Mutex
	filter     Filter
	page       int
	hasMore    bool
	total      int
	state      State
	err        error
	inFlight   bool
	generation uint64
}

// Option configures a Controller
type Option func(*Controller)

// WithPageSize overrides PageSize
func WithPageSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a pagination controller writing into s
func New(s *store.Store, fetcher Fetcher, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		store:    s,
		fetcher:  fetcher,
		pageSize: PageSize,
		logger:   logger.Named("pagination"),
		page:     1,
		hasMore:  true,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reset points the controller at a new filter without fetching.
// In-flight loads for the previous filter are discarded.
func (c *Controller) Reset(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(f)
}

// Invalidate discards the results of in-flight loads
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.inFlight = false
	if c.state == StateLoading {
		c.state = StateIdle
	}
}

func (c *Controller) resetLocked(f Filter) {
	c.generation++
	c.filter = f
	c.page = 1
	c.hasMore = true
	c.total = 0
	c.state = StateIdle
	c.err = nil
	c.inFlight = false
}

// LoadFirstPage fetches page 1 for f and replaces the store list with it.
// The total count is fetched alongside; a count failure is only logged.
func (c *Controller) LoadFirstPage(ctx context.Context, f Filter) error {
	if f.WorkspaceID == "" {
		return entity.ErrWorkspaceRequired
	}

	c.mu.Lock()
	c.resetLocked(f)
	gen := c.generation
	c.state = StateLoading
	c.inFlight = true
	pageSize := c.pageSize
	c.mu.Unlock()

	start := time.Now()
	var (
		list    []entity.Conversation
		total   int
		countOK bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := c.fetcher.FetchConversationPage(gctx, f.WorkspaceID, 1, pageSize, f.Query)
		if err != nil {
			return fmt.Errorf("fetching first page: %w", err)
		}
		list = rows
		return nil
	})
	g.Go(func() error {
		n, err := c.fetcher.FetchConversationCount(gctx, f.WorkspaceID, f.Query)
		if err != nil {
			c.logger.Warn("failed to fetch conversation count", zap.String("workspace_id", f.WorkspaceID), zap.Error(err))
			return nil
		}
		total, countOK = n, true
		return nil
	})
	err := g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.logger.Debug("discarding superseded first page", zap.String("workspace_id", f.WorkspaceID))
		return nil
	}
	c.inFlight = false

	if err != nil {
		metrics.RecordPageFetch("first", "error", time.Since(start).Seconds())
		c.state = StateError
		c.err = err
		c.store.SetError(err)
		return err
	}
	metrics.RecordPageFetch("first", "ok", time.Since(start).Seconds())

	c.page = 2
	c.hasMore = len(list) >= pageSize
	if countOK {
		c.total = total
	}
	c.state = StateIdle
	c.err = nil
	c.store.ReplaceAll(list)

	c.logger.Debug("first page loaded",
		zap.String("workspace_id", f.WorkspaceID),
		zap.Int("count", len(list)),
		zap.Bool("has_more", c.hasMore),
	)
	return nil
}

// LoadNextPage fetches the page at the cursor and merges it into the store,
// filling only ids that are not loaded yet. Calls while a load is running,
// or after the last page, are no-ops.
func (c *Controller) LoadNextPage(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight || !c.hasMore {
		c.mu.Unlock()
		return nil
	}
	if c.filter.WorkspaceID == "" {
		c.mu.Unlock()
		return entity.ErrWorkspaceRequired
	}
	gen := c.generation
	page := c.page
	f := c.filter
	pageSize := c.pageSize
	c.inFlight = true
	c.state = StateLoading
	c.mu.Unlock()

	start := time.Now()
	list, err := c.fetcher.FetchConversationPage(ctx, f.WorkspaceID, page, pageSize, f.Query)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.logger.Debug("discarding superseded page", zap.Int("page", page))
		return nil
	}
	c.inFlight = false

	if err != nil {
		metrics.RecordPageFetch("next", "error", time.Since(start).Seconds())
		c.state = StateError
		c.err = fmt.Errorf("fetching page %d: %w", page, err)
		c.store.SetError(c.err)
		return c.err
	}
	metrics.RecordPageFetch("next", "ok", time.Since(start).Seconds())

	c.page++
	if len(list) < pageSize {
		c.hasMore = false
	}
	c.state = StateIdle
	c.err = nil
	added := c.store.MergePage(list)

	c.logger.Debug("page merged",
		zap.Int("page", page),
		zap.Int("fetched", len(list)),
		zap.Int("added", added),
		zap.Bool("has_more", c.hasMore),
	)
	return nil
}

// AdjustTotal moves the advisory total by delta, never below zero
func (c *Controller) AdjustTotal(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += delta
	if c.total < 0 {
		c.total = 0
	}
}

// Total returns the advisory conversation count
func (c *Controller) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// HasMore reports whether another page may exist
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// State returns the current load state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last load error
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Page returns the next page number to fetch
func (c *Controller) Page() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// Filter returns the active filter
func (c *Controller) Filter() Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// Loading reports whether a load is running
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}
