package worker

import (
	"context"
	"time"

	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// BatchMaker groups transactions into batches. A batch is sealed when it holds
// batchSize bytes of transactions or when maxDelay elapsed since the last seal
// and the batch is not empty.
type BatchMaker struct {
	batchSize int
	maxDelay  time.Duration
	txCh      chan []byte
	seal      func(context.Context, *types.Batch) error
	logger    hclog.Logger
}

func NewBatchMaker(batchSize int, maxDelay time.Duration, seal func(context.Context, *types.Batch) error, logger hclog.Logger) *BatchMaker {
	return &BatchMaker{
		batchSize: batchSize,
		maxDelay:  maxDelay,
		txCh:      make(chan []byte, 1024),
		seal:      seal,
		logger:    logger,
	}
}

// Submit queues one transaction. It blocks while the batch maker is busy sealing.
func (b *BatchMaker) Submit(ctx context.Context, tx []byte) error {
	select {
	case b.txCh <- tx:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run seals batches until ctx is done. Only seal errors are returned.
func (b *BatchMaker) Run(ctx context.Context) error {
	var current [][]byte
	size := 0
	timer := time.NewTimer(b.maxDelay)
	defer timer.Stop()

	flush := func() error {
		batch := &types.Batch{Transactions: current}
		current, size = nil, 0
		return b.seal(ctx, batch)
	}
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.maxDelay)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tx := <-b.txCh:
			current = append(current, tx)
			size += len(tx)
			if size >= b.batchSize {
				if err := flush(); err != nil {
					return err
				}
				resetTimer()
			}
		case <-timer.C:
			if len(current) > 0 {
				b.logger.Debug("batch sealed on timeout", "txs", len(current), "size", size)
				if err := flush(); err != nil {
					return err
				}
			}
			timer.Reset(b.maxDelay)
		}
	}
}
