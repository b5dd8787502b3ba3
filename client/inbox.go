package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kuno/logging"
	"kuno/models"
	"kuno/replica"
)

// Fetcher is the retrieval side of the storage backends. *replica.Client implements it.
type Fetcher interface {
	FetchPending(ctx context.Context, accountID string) []models.RoutedMessage
	DeleteEverywhere(ctx context.Context, id string) replica.Report
}

// DefaultSeenRetention matches the storage node message lifetime; older
// seen IDs can no longer be re-delivered.
const DefaultSeenRetention = 720 * time.Hour

// SeenStore remembers consumed message IDs across runs. *storage.Store implements it.
type SeenStore interface {
	Seen(messageID string) (bool, error)
	MarkSeen(messageID string, seenAt time.Time) error
	PruneSeenBefore(cutoff time.Time) (int64, error)
}

// ConsumeFunc handles one retrieved message. Returning an error keeps the
// message on the backends for the next sync.
type ConsumeFunc func(models.RoutedMessage) error

// SyncResult summarizes one Inbox.Sync pass.
type SyncResult struct {
	Fetched  int
	Consumed int
	// Skipped counts messages consumed by an earlier pass whose deletes are reissued.
	Skipped int
	Failed  int
	// DeleteFailures counts backend deletes that did not settle.
	DeleteFailures int
	// Forgotten counts seen IDs dropped for being older than the retention.
	Forgotten int64
}

// Inbox pulls messages that were stored while the device was offline.
type Inbox struct {
	fetcher   Fetcher
	seen      SeenStore
	retention time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewInbox wires an Inbox over fetcher and seen.
func NewInbox(fetcher Fetcher, seen SeenStore, logger *zap.Logger) (*Inbox, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if seen == nil {
		return nil, errors.New("seen store is required")
	}
	return &Inbox{
		fetcher:   fetcher,
		seen:      seen,
		retention: DefaultSeenRetention,
		now:       time.Now,
		log:       logging.OrNop(logger).Named("inbox"),
	}, nil
}

// Sync fetches pending messages for accountID and hands each unseen one to
// consume in timestamp order. A consumed message is recorded as seen before it
// is deleted from every backend, so a lost delete never re-delivers it.
func (i *Inbox) Sync(ctx context.Context, accountID string, consume ConsumeFunc) (SyncResult, error) {
	if accountID == "" {
		return SyncResult{}, errors.New("account ID is required")
	}
	if consume == nil {
		return SyncResult{}, errors.New("consume func is required")
	}

	pending := i.fetcher.FetchPending(ctx, accountID)
	result := SyncResult{Fetched: len(pending)}

	for _, message := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		seen, err := i.seen.Seen(message.ID)
		if err != nil {
			return result, fmt.Errorf("check seen %s: %w", message.ID, err)
		}
		if seen {
			result.Skipped++
			result.DeleteFailures += i.delete(ctx, message.ID)
			continue
		}

		if err := consume(message); err != nil {
			result.Failed++
			i.log.Warn("consume retrieved message failed",
				zap.String("message_id", message.ID),
				zap.Error(err),
			)
			continue
		}

		if err := i.seen.MarkSeen(message.ID, i.now()); err != nil {
			return result, fmt.Errorf("mark seen %s: %w", message.ID, err)
		}
		result.Consumed++
		result.DeleteFailures += i.delete(ctx, message.ID)
	}

	forgotten, err := i.seen.PruneSeenBefore(i.now().Add(-i.retention))
	if err != nil {
		i.log.Warn("prune seen message IDs failed", zap.Error(err))
	}
	result.Forgotten = forgotten
	return result, nil
}

func (i *Inbox) delete(ctx context.Context, id string) int {
	return i.fetcher.DeleteEverywhere(ctx, id).Failed()
}
