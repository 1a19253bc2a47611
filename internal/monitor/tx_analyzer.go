package monitor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/rpc"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// Receipt-lookup batch sizes. Small blocks use small batches to keep
// endpoint load gentle; busy blocks trade that for throughput.
const (
	txBatchSmall     = 20
	txBatchLarge     = 50
	txBatchThreshold = 500
)

// analyzeTransactions resolves the outcome of every transaction in the
// block via receipt lookups, batched and parallel within each batch.
// A transaction whose status cannot be resolved counts as success: an
// endpoint hiccup must not inflate the failure series.
func (m *BlockMonitor) analyzeTransactions(ctx context.Context, chain types.Chain, fetcher BlockFetcher, block *rpc.Block) {
	total := block.TxCount()

	var success, failed int
	if total > 0 {
		success, failed = m.resolveOutcomes(ctx, fetcher, block)
	}

	m.sink.RecordTransactionsPerBlock(chain.ID, block.Number, "total", total)
	m.sink.RecordTransactionsPerBlock(chain.ID, block.Number, "success", success)
	m.sink.RecordTransactionsPerBlock(chain.ID, block.Number, "failed", failed)

	now := m.now()
	m.throughput[chain.ID].Add(float64(total), now)
	windowSecs := m.throughput[chain.ID].Duration().Seconds()
	if windowSecs > 0 {
		perMinute := m.throughput[chain.ID].Sum() / (windowSecs / 60)
		m.sink.RecordTransactionsPerMinute(chain.ID, perMinute)
	}
}

// resolveOutcomes walks the block's transactions in batches. Within a
// batch every receipt lookup runs in parallel; batches run serially.
func (m *BlockMonitor) resolveOutcomes(ctx context.Context, fetcher BlockFetcher, block *rpc.Block) (success, failed int) {
	hashes := block.TxHashes
	if len(hashes) == 0 {
		for _, tx := range block.Transactions {
			hashes = append(hashes, tx.Hash)
		}
	}

	batchSize := txBatchSmall
	if len(hashes) > txBatchThreshold {
		batchSize = txBatchLarge
	}

	var failedCount atomic.Int64
	for start := 0; start < len(hashes); start += batchSize {
		end := start + batchSize
		if end > len(hashes) {
			end = len(hashes)
		}

		var wg sync.WaitGroup
		for _, hash := range hashes[start:end] {
			hash := hash
			wg.Add(1)
			go func() {
				defer wg.Done()
				txSuccess, ok, err := fetcher.TransactionReceiptStatus(ctx, hash)
				if err != nil || !ok {
					// Unresolved: counted as success.
					return
				}
				if !txSuccess {
					failedCount.Add(1)
				}
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}
	}

	failed = int(failedCount.Load())
	return len(hashes) - failed, failed
}
