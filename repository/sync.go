package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	rpcclient "github.com/cometbft/cometbft/rpc/client"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/pharmatrace/pharmatrace/ledger"
	"github.com/pharmatrace/pharmatrace/repository/models"
)

const syncSubscriber = "cache-sync"

// CacheSync keeps the Postgres mirror following the ledger. It subscribes to
// committed transactions and, for every batch touched, re-fetches the
// batch's authoritative core, state and history and overwrites the mirror.
//
// Sync is best-effort: a missed or failed refresh only makes the mirror
// stale, never wrong in a new way, and the next event for the same batch
// repairs it.
type CacheSync struct {
	client rpcclient.Client
	reader ledger.Reader
	repo   *Repository
	logger cmtlog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewCacheSync(client rpcclient.Client, reader ledger.Reader, repo *Repository, logger cmtlog.Logger) *CacheSync {
	return &CacheSync{
		client: client,
		reader: reader,
		repo:   repo,
		logger: logger,
	}
}

// Start subscribes to committed txs and launches the sync loop.
func (s *CacheSync) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	txs, err := s.client.Subscribe(ctx, syncSubscriber, "tm.event='Tx'", 100)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing to tx events: %w", err)
	}

	go s.loop(ctx, txs)
	s.logger.Info("Cache sync started")
	return nil
}

// Stop unsubscribes and waits for the loop to drain.
func (s *CacheSync) Stop() {
	if s.cancel == nil {
		return
	}
	if err := s.client.UnsubscribeAll(context.Background(), syncSubscriber); err != nil {
		s.logger.Error("Unsubscribing cache sync", "err", err)
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cache sync stopped")
}

func (s *CacheSync) loop(ctx context.Context, txs <-chan cmtrpctypes.ResultEvent) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-txs:
			if !ok {
				return
			}
			s.handleTxEvent(ctx, ev)
		}
	}
}

func (s *CacheSync) handleTxEvent(ctx context.Context, ev cmtrpctypes.ResultEvent) {
	touched := batchEventsOf(ev.Events)
	if len(touched) == 0 {
		return
	}

	var height int64
	var txHash string
	if dataTx, ok := ev.Data.(cmttypes.EventDataTx); ok {
		height = dataTx.Height
		txHash = fmt.Sprintf("%X", cmttypes.Tx(dataTx.Tx).Hash())
	}

	for _, t := range touched {
		if err := s.ResyncBatch(ctx, t.batchID, height); err != nil {
			s.logger.Error("Resyncing batch after tx event", "batch_id", t.batchID, "err", err)
			continue
		}
		if txHash == "" {
			continue
		}
		repoErr := s.repo.RecordLedgerTx(&models.LedgerTx{
			TxHash:        txHash,
			Height:        height,
			Kind:          t.kind,
			BatchLedgerID: t.batchID,
			Actor:         t.actor,
			Role:          t.role,
		})
		if repoErr != nil {
			s.logger.Error("Recording ledger tx", "tx_hash", txHash, "err", repoErr)
		}
	}
}

// ResyncBatch overwrites the mirror row and history for one batch from the
// ledger's current view.
func (s *CacheSync) ResyncBatch(ctx context.Context, id uint64, height int64) error {
	core, err := s.reader.FetchCore(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching core: %w", err)
	}
	state, err := s.reader.FetchState(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching state: %w", err)
	}
	history, err := s.reader.FetchHistory(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}

	if repoErr := s.repo.UpsertBatchFromLedger(core, state, height); repoErr != nil {
		return repoErr
	}
	if repoErr := s.repo.ReplaceHistory(id, history); repoErr != nil {
		return repoErr
	}

	s.logger.Debug("Batch mirror refreshed", "batch_id", id, "code", core.Code, "status", state.Status.String())
	return nil
}

type touchedBatch struct {
	kind    string
	batchID uint64
	actor   string
	role    string
}

// batchEventsOf pulls the batch lifecycle events out of a subscription
// event's composite attribute map (keys are "<event_type>.<attr>").
func batchEventsOf(attrs map[string][]string) []touchedBatch {
	byKind := map[string]*touchedBatch{}
	for key, values := range attrs {
		eventType, attr, ok := strings.Cut(key, ".")
		if !ok || !strings.HasPrefix(eventType, "batch_") || len(values) == 0 {
			continue
		}
		t, exists := byKind[eventType]
		if !exists {
			t = &touchedBatch{kind: eventType}
			byKind[eventType] = t
		}
		switch attr {
		case "batch_id":
			if id, err := strconv.ParseUint(values[0], 10, 64); err == nil {
				t.batchID = id
			}
		case "actor":
			t.actor = values[0]
		case "role":
			t.role = values[0]
		}
	}

	out := make([]touchedBatch, 0, len(byKind))
	for _, t := range byKind {
		if t.batchID != 0 {
			out = append(out, *t)
		}
	}
	return out
}
