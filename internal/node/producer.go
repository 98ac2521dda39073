package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"confidential/internal/blockchain"
	"confidential/internal/metrics"

	"github.com/lightningnetwork/lnd/ticker"
)

// ProducerConfig configures block production.
type ProducerConfig struct {
	Executor *blockchain.Executor
	Mempool  *Mempool

	// BlockTicker signals when the next block is due.
	BlockTicker ticker.Ticker

	// MaxBlockSize bounds the number of transactions per block.
	MaxBlockSize int

	// Metrics is optional.
	Metrics *metrics.Collector

	// OnBlock is called after every applied block. Optional.
	OnBlock func(*blockchain.BlockSummary)
}

// Producer drains the mempool into a new block on every tick.
type Producer struct {
	started int32
	stopped int32

	cfg ProducerConfig

	// mu serializes block production between the ticker loop and
	// ProduceBlock callers.
	mu sync.Mutex

	// lastErr is the error of the last failed block, if any.
	lastErr atomic.Value

	quit chan struct{}
	wg   sync.WaitGroup
}

type errBox struct{ err error }

// NewProducer returns a producer that is not yet started.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Executor == nil || cfg.Mempool == nil || cfg.BlockTicker == nil {
		return nil, errors.New("producer requires an executor, a " +
			"mempool and a ticker")
	}
	if cfg.MaxBlockSize < 1 {
		return nil, errors.New("block size must be positive")
	}
	p := &Producer{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
	p.lastErr.Store(errBox{})
	return p, nil
}

// Start launches the production loop. The loop ends on Stop or when ctx
// is cancelled.
func (p *Producer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return errors.New("producer already started")
	}

	log.Infof("Starting block producer")

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop ends the production loop and waits for it to exit.
func (p *Producer) Stop() {
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return
	}

	log.Infof("Stopping block producer")

	close(p.quit)
	p.wg.Wait()
}

// Err returns the error of the last failed block, or nil once a block
// succeeds again.
func (p *Producer) Err() error {
	return p.lastErr.Load().(errBox).err
}

func (p *Producer) run(ctx context.Context) {
	defer p.wg.Done()

	p.cfg.BlockTicker.Resume()
	defer p.cfg.BlockTicker.Stop()

	for {
		select {
		case <-p.cfg.BlockTicker.Ticks():
			if _, err := p.ProduceBlock(); err != nil {
				log.Errorf("Unable to produce block: %v", err)
				if p.cfg.Metrics != nil {
					p.cfg.Metrics.RecordError("block")
				}
			}

		case <-ctx.Done():
			return

		case <-p.quit:
			return
		}
	}
}

// ProduceBlock applies the next block made of the oldest mempool
// transactions. An empty mempool still yields a block so that expired
// transfers are rolled back on time.
func (p *Producer) ProduceBlock() (*blockchain.BlockSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	height, err := p.cfg.Executor.Height()
	if err != nil {
		p.lastErr.Store(errBox{err})
		return nil, err
	}

	txs := p.cfg.Mempool.Take(p.cfg.MaxBlockSize)
	summary, err := p.cfg.Executor.ApplyBlock(blockchain.Block{
		Height:       height + 1,
		Transactions: txs,
	})
	if err != nil {
		p.lastErr.Store(errBox{err})
		return nil, err
	}
	p.lastErr.Store(errBox{})

	if m := p.cfg.Metrics; m != nil {
		m.RecordBlock(summary.Height, summary.Elapsed,
			len(summary.RolledBack), len(summary.Duplicates))
		for _, r := range summary.Results {
			outcome := "ok"
			if !r.Result.Success {
				outcome = r.Code().String()
			}
			m.RecordExecution(r.Kind.String(), outcome)
		}
	}
	if len(summary.Results) > 0 || len(summary.RolledBack) > 0 {
		log.Infof("Block %d: %d transactions, %d rollbacks",
			summary.Height, len(summary.Results),
			len(summary.RolledBack))
	}
	if p.cfg.OnBlock != nil {
		p.cfg.OnBlock(summary)
	}
	return summary, nil
}
