package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/domain/inbox/store"
)

const (
	timeoutDuration = time.Second
	tick            = 5 * time.Millisecond
)

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[int][]entity.Conversation
	count    int
	pageErr  error
	countErr error
	calls    []int
	block    chan struct{}
}

func (f *fakeFetcher) FetchConversationPage(ctx context.Context, workspaceID string, page, pageSize int, query string) ([]entity.Conversation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, page)
	block := f.block
	err := f.pageErr
	rows := f.pages[page]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *fakeFetcher) FetchConversationCount(ctx context.Context, workspaceID, query string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.count, nil
}

func page(prefix string, n int) []entity.Conversation {
	out := make([]entity.Conversation, n)
	for i := range out {
		out[i] = entity.Conversation{ID: fmt.Sprintf("%s-%d", prefix, i), WorkspaceID: "w1", Status: entity.ConversationStatusWaiting}
	}
	return out
}

func TestController_LoadNextPageTerminates(t *testing.T) {
	s := store.New()
	f := &fakeFetcher{pages: map[int][]entity.Conversation{
		1: page("p1", 10),
		2: page("p2", 10),
		3: page("p3", 7),
	}}
	c := New(s, f, zap.NewNop())
	c.Reset(Filter{WorkspaceID: "w1"})

	require.NoError(t, c.LoadNextPage(context.Background()))
	assert.True(t, c.HasMore())
	require.NoError(t, c.LoadNextPage(context.Background()))
	assert.True(t, c.HasMore())
	require.NoError(t, c.LoadNextPage(context.Background()))
	assert.False(t, c.HasMore())

	assert.Equal(t, 27, s.Len())
	assert.Equal(t, 4, c.Page())

	require.NoError(t, c.LoadNextPage(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, f.calls, "no fetch after the last page")
}

func TestController_LoadFirstPageReplaces(t *testing.T) {
	s := store.New()
	s.ReplaceAll(page("old", 3))
	f := &fakeFetcher{pages: map[int][]entity.Conversation{1: page("new", 4)}, count: 42}
	c := New(s, f, zap.NewNop())

	require.NoError(t, c.LoadFirstPage(context.Background(), Filter{WorkspaceID: "w1", Query: "ana"}))

	assert.Equal(t, 4, s.Len())
	assert.False(t, s.Has("old-0"))
	assert.False(t, c.HasMore())
	assert.Equal(t, 42, c.Total())
	assert.Equal(t, 2, c.Page())
	assert.Equal(t, StateIdle, c.State())
}

func TestController_CountFailureIsAdvisory(t *testing.T) {
	s := store.New()
	f := &fakeFetcher{pages: map[int][]entity.Conversation{1: page("p", 10)}, countErr: errors.New("timeout")}
	c := New(s, f, zap.NewNop())

	require.NoError(t, c.LoadFirstPage(context.Background(), Filter{WorkspaceID: "w1"}))
	assert.Equal(t, 10, s.Len())
	assert.Equal(t, 0, c.Total())
	assert.True(t, c.HasMore())
}

func TestController_FailureKeepsList(t *testing.T) {
	s := store.New()
	f := &fakeFetcher{pages: map[int][]entity.Conversation{1: page("p", 10)}}
	c := New(s, f, zap.NewNop())
	require.NoError(t, c.LoadFirstPage(context.Background(), Filter{WorkspaceID: "w1"}))

	boom := errors.New("network down")
	f.pageErr = boom

	err := c.LoadNextPage(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 10, s.Len())
	assert.Equal(t, 2, c.Page(), "cursor only advances on success")
	assert.ErrorIs(t, s.Err(), boom)

	err = c.LoadFirstPage(context.Background(), Filter{WorkspaceID: "w1", Query: "x"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 10, s.Len())
}

func TestController_MergeDoesNotOverwriteLocalState(t *testing.T) {
	s := store.New()
	first := page("p", 10)
	f := &fakeFetcher{pages: map[int][]entity.Conversation{1: first, 2: append(page("q", 3), first[0])}}
	c := New(s, f, zap.NewNop())
	require.NoError(t, c.LoadFirstPage(context.Background(), Filter{WorkspaceID: "w1"}))

	resolved := entity.ConversationStatusResolved
	s.PatchConversation("p-0", entity.ConversationPatch{Status: &resolved})

	require.NoError(t, c.LoadNextPage(context.Background()))
	got, ok := s.Conversation("p-0")
	require.True(t, ok)
	assert.Equal(t, entity.ConversationStatusResolved, got.Status)
	assert.Equal(t, 13, s.Len())
}

func TestController_SupersededLoadIsDiscarded(t *testing.T) {
	s := store.New()
	f := &fakeFetcher{pages: map[int][]entity.Conversation{1: page("p", 10), 2: page("stale", 10)}, block: make(chan struct{})}
	c := New(s, f, zap.NewNop())
	c.Reset(Filter{WorkspaceID: "w1"})
	s.ReplaceAll(page("p", 10))
	c.mu.Lock()
	c.page = 2
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.LoadNextPage(context.Background()) }()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.calls) == 1
	}, timeoutDuration, tick)

	assert.NoError(t, c.LoadNextPage(context.Background()), "overlapping call is skipped")
	c.Invalidate()
	close(f.block)

	require.NoError(t, <-done)
	assert.Equal(t, 10, s.Len())
	assert.False(t, s.Has("stale-0"))
}

func TestController_AdjustTotalFloorsAtZero(t *testing.T) {
	c := New(store.New(), &fakeFetcher{}, nil)
	c.AdjustTotal(2)
	c.AdjustTotal(-5)
	assert.Equal(t, 0, c.Total())
}

func TestController_RequiresWorkspace(t *testing.T) {
	c := New(store.New(), &fakeFetcher{}, nil)
	assert.ErrorIs(t, c.LoadFirstPage(context.Background(), Filter{}), entity.ErrWorkspaceRequired)
	assert.ErrorIs(t, c.LoadNextPage(context.Background()), entity.ErrWorkspaceRequired)
}
