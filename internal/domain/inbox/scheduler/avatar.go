package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/domain/inbox/entity"
	"github.com/vadim/neo-inbox/internal/domain/inbox/store"
	"github.com/vadim/neo-inbox/pkg/metrics"
)

// PictureFetcher looks up contact profile pictures
type PictureFetcher interface {
	FetchProfilePicture(ctx context.Context, workspaceID, conversationID, phone string) (string, error)
}

// AvatarSaver persists resolved pictures
type AvatarSaver interface {
	SaveAvatar(ctx context.Context, workspaceID, conversationID, url string) error
}

// BacklogLister lists stored conversations of a workspace still lacking a picture
type BacklogLister interface {
	ListMissingAvatars(ctx context.Context, workspaceID string, limit int) ([]entity.Conversation, error)
}

// backlogFactor widens the backlog query so rows already checked do not fill the batch
const backlogFactor = 4

// Config holds configuration for the avatar sync scheduler
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	BatchSize    int
}

// AvatarSync periodically resolves missing WhatsApp contact pictures of the loaded
// conversations and, with a backlog, of the rest of the active workspace
type AvatarSync struct {
	store     *store.Store
	fetcher   PictureFetcher
	saver     AvatarSaver
	interval  time.Duration
	delay     time.Duration
	batchSize int
	backlog   BacklogLister
	workspace func() string
	logger    *zap.Logger
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
}

// Option configures an AvatarSync
type Option func(*AvatarSync)

// WithBacklog also resolves conversations of the active workspace that are not
// loaded in the store, once the loaded ones leave room in a batch
func WithBacklog(l BacklogLister, workspace func() string) Option {
	return func(a *AvatarSync) {
		a.backlog = l
		a.workspace = workspace
	}
}

// NewAvatarSync creates a new avatar sync scheduler. saver may be nil.
func NewAvatarSync(s *store.Store, fetcher PictureFetcher, saver AvatarSaver, cfg Config, logger *zap.Logger, opts ...Option) *AvatarSync {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &AvatarSync{
		store:     s,
		fetcher:   fetcher,
		saver:     saver,
		interval:  cfg.Interval,
		delay:     cfg.InitialDelay,
		batchSize: cfg.BatchSize,
		logger:    logger.Named("avatar_sync"),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start starts the scheduler
func (a *AvatarSync) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.logger.Info("avatar sync scheduler started", zap.Duration("interval", a.interval))

	a.wg.Add(1)
	go a.run(ctx)
}

// Stop stops the scheduler and waits for the running pass
func (a *AvatarSync) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	close(a.stopCh)
	a.wg.Wait()
	a.logger.Info("avatar sync scheduler stopped")
}

func (a *AvatarSync) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	select {
	case <-time.After(a.delay):
		a.SyncOnce(ctx)
	case <-a.stopCh:
		return
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ticker.C:
			a.SyncOnce(ctx)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SyncOnce runs one pass and returns the number of pictures found
func (a *AvatarSync) SyncOnce(ctx context.Context) int {
	cache := a.store.Avatars()

	candidates := make([]entity.Conversation, 0, a.batchSize)
	collect := func(list []entity.Conversation) {
		for _, c := range list {
			if len(candidates) >= a.batchSize {
				return
			}
			if c.Channel != entity.ChannelWhatsApp || c.Avatar != "" || c.ContactPhone == "" {
				continue
			}
			if _, ok := NormalizePhone(c.ContactPhone); !ok {
				continue
			}
			if !cache.MarkChecked(c.ContactPhone) {
				continue
			}
			candidates = append(candidates, c)
		}
	}

	collect(a.store.Conversations())
	if len(candidates) < a.batchSize {
		collect(a.listBacklog(ctx))
	}
	if len(candidates) == 0 {
		return 0
	}

	a.logger.Debug("resolving contact pictures", zap.Int("count", len(candidates)))

	found := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return found
		}
		url := a.lookup(ctx, c)
		if url == "" {
			continue
		}
		found++
		cache.Remember(c.ContactPhone, url)
		a.store.PatchConversation(c.ID, entity.ConversationPatch{Avatar: &url})

		if a.saver != nil {
			if err := a.saver.SaveAvatar(ctx, c.WorkspaceID, c.ID, url); err != nil {
				a.logger.Warn("failed to save avatar", zap.String("conversation_id", c.ID), zap.Error(err))
			}
		}
	}
	return found
}

// listBacklog returns stored conversations of the active workspace that are not loaded
func (a *AvatarSync) listBacklog(ctx context.Context) []entity.Conversation {
	if a.backlog == nil || a.workspace == nil {
		return nil
	}
	workspaceID := a.workspace()
	if workspaceID == "" {
		return nil
	}

	// TODO: page past the first rows once all of them were checked without a picture
	list, err := a.backlog.ListMissingAvatars(ctx, workspaceID, a.batchSize*backlogFactor)
	if err != nil {
		a.logger.Warn("failed to list conversations without avatar", zap.String("workspace_id", workspaceID), zap.Error(err))
		return nil
	}

	out := make([]entity.Conversation, 0, len(list))
	for _, c := range list {
		if c.WorkspaceID != "" && c.WorkspaceID != workspaceID {
			continue
		}
		if a.store.Has(c.ID) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// lookup asks for the picture of the normalized phone, retrying Brazilian
// mobile numbers once with the ninth digit.
func (a *AvatarSync) lookup(ctx context.Context, c entity.Conversation) string {
	phone, _ := NormalizePhone(c.ContactPhone)
	attempts := []string{phone}
	if alt, ok := BrazilianNinthDigit(phone); ok {
		attempts = append(attempts, alt)
	}

	for _, p := range attempts {
		url, err := a.fetcher.FetchProfilePicture(ctx, c.WorkspaceID, c.ID, p)
		if err != nil {
			metrics.RecordAvatarLookup("error")
			a.logger.Debug("profile picture lookup failed", zap.String("phone", p), zap.Error(err))
			continue
		}
		if url != "" {
			metrics.RecordAvatarLookup("found")
			return url
		}
	}
	metrics.RecordAvatarLookup("missing")
	return ""
}

// NormalizePhone turns a WhatsApp contact id into +<digits>.
// Groups and broadcast lists are rejected.
func NormalizePhone(raw string) (string, bool) {
	if strings.Contains(raw, "@g.us") || strings.Contains(raw, "status@broadcast") {
		return "", false
	}
	raw = strings.TrimSuffix(raw, "@s.whatsapp.net")

	var b strings.Builder
	b.Grow(len(raw) + 1)
	b.WriteByte('+')
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return "", false
	}
	return b.String(), true
}

// BrazilianNinthDigit returns the 13-digit variant of a 12-digit +55 number
func BrazilianNinthDigit(phone string) (string, bool) {
	digits := strings.TrimPrefix(phone, "+")
	if !strings.HasPrefix(digits, "55") || len(digits) != 12 {
		return "", false
	}
	return "+" + digits[:4] + "9" + digits[4:], true
}
