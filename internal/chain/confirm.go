package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConfirmResult is delivered on the watcher channel when a tracked
// transaction reaches its confirmation depth or fails.
type ConfirmResult struct {
	ChainID int64
	TxHash  string
	Receipt *Receipt
	Err     error
}

// ConfirmWatcher runs confirmation waits as cancellable background tasks.
// Each Track call spawns one wait; results arrive on a single channel so
// the caller drains them from one loop instead of blocking per
// transaction.
type ConfirmWatcher struct {
	registry *Registry
	logger   *slog.Logger
	results  chan ConfirmResult

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewConfirmWatcher creates a watcher over the chain registry.
func NewConfirmWatcher(registry *Registry, logger *slog.Logger) *ConfirmWatcher {
	return &ConfirmWatcher{
		registry: registry,
		logger:   logger,
		results:  make(chan ConfirmResult, 64),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Results returns the channel confirmation outcomes arrive on. The
// channel closes after Close.
func (w *ConfirmWatcher) Results() <-chan ConfirmResult {
	return w.results
}

func trackKey(chainID int64, txHash string) string {
	return fmt.Sprintf("%d:%s", chainID, txHash)
}

// Track starts waiting for the transaction in the background. Tracking an
// already-tracked transaction is a no-op.
func (w *ConfirmWatcher) Track(chainID int64, txHash string, confirmations uint64, timeout time.Duration) error {
	gw, err := w.registry.Gateway(chainID)
	if err != nil {
		return err
	}

	key := trackKey(chainID, txHash)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("confirm watcher closed")
	}
	if _, dup := w.cancels[key]; dup {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancels[key] = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("confirm wait panicked", "chain_id", chainID, "tx", txHash, "panic", r)
			}
		}()

		receipt, err := gw.WaitForTransaction(ctx, txHash, confirmations, timeout)

		w.mu.Lock()
		delete(w.cancels, key)
		closed := w.closed
		w.mu.Unlock()

		if ctx.Err() == context.Canceled || closed {
			return
		}
		w.results <- ConfirmResult{ChainID: chainID, TxHash: txHash, Receipt: receipt, Err: err}
	}()

	return nil
}

// Cancel stops tracking a transaction. No result is delivered for it.
func (w *ConfirmWatcher) Cancel(chainID int64, txHash string) {
	w.mu.Lock()
	cancel, ok := w.cancels[trackKey(chainID, txHash)]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close cancels every in-flight wait, waits for the tasks to finish, and
// closes the results channel.
func (w *ConfirmWatcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, cancel := range w.cancels {
		cancel()
	}
	w.mu.Unlock()

	w.wg.Wait()
	close(w.results)
}
