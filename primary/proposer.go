package primary

import (
	"context"
	"errors"
	"time"

	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// Proposer makes a new header once the previous round holds a quorum of
// certificates and either enough batch digests are queued or the header delay
// expired.
type Proposer struct {
	core       *Core
	dag        *dag.DAG
	headerSize int
	maxDelay   time.Duration
	digests    <-chan types.PayloadEntry
	logger     hclog.Logger

	epoch    uint64
	round    uint64
	parents  []types.Digest
	payload  []types.PayloadEntry
	proposed map[uint64][]types.PayloadEntry // payload of our uncertified headers
}

func NewProposer(conf *Config, core *Core, d *dag.DAG, epoch uint64, digests <-chan types.PayloadEntry, logger hclog.Logger) *Proposer {
	size := conf.HeaderSize
	if size <= 0 {
		size = 1
	}
	return &Proposer{
		core:       core,
		dag:        d,
		headerSize: size,
		maxDelay:   conf.MaxHeaderDelay,
		digests:    digests,
		logger:     logger,
		epoch:      epoch,
		round:      1,
		proposed:   make(map[uint64][]types.PayloadEntry),
	}
}

// Run proposes headers until ctx is done. It only returns an error when a
// header could not be persisted.
func (p *Proposer) Run(ctx context.Context) error {
	timer := time.NewTimer(p.maxDelay)
	defer timer.Stop()
	expired := false
	for {
		if p.parents != nil && (len(p.payload) >= p.headerSize || expired) {
			if err := p.propose(); err != nil {
				return err
			}
			expired = false
			timer.Reset(p.maxDelay)
		}
		select {
		case <-ctx.Done():
			return nil
		case parents := <-p.core.ParentsChan():
			p.handleParents(parents)
		case d := <-p.digests:
			p.payload = append(p.payload, d)
		case <-timer.C:
			expired = true
		}
	}
}

func (p *Proposer) propose() error {
	payload := p.payload
	if len(payload) > p.headerSize {
		payload = payload[:p.headerSize]
	}
	parents := digestsOf(p.dag.CertificatesAt(p.round - 1))
	_, err := p.core.ProposeHeader(p.round, parents, payload)
	if errors.Is(err, ErrAlreadyProposed) {
		// signed before a restart, wait for the next round
		p.logger.Info("round already proposed", "round", p.round)
		p.round++
		p.parents = nil
		return nil
	}
	if err != nil {
		return err
	}
	p.proposed[p.round] = payload
	p.payload = append([]types.PayloadEntry(nil), p.payload[len(payload):]...)
	p.round++
	p.parents = nil
	return nil
}

func (p *Proposer) handleParents(ps Parents) {
	switch {
	case ps.Epoch > p.epoch:
		p.logger.Info("proposer entering a new epoch", "epoch", ps.Epoch)
		for _, payload := range p.proposed {
			p.requeue(payload)
		}
		p.epoch = ps.Epoch
		p.proposed = make(map[uint64][]types.PayloadEntry)
	case ps.Epoch < p.epoch:
		return
	case ps.Round+1 < p.round:
		return
	}
	for r, payload := range p.proposed {
		if r > ps.Round {
			continue
		}
		if !p.core.Abandon(r) {
			p.logger.Debug("header not certified, re-queueing its payload", "round", r, "payload", len(payload))
			p.requeue(payload)
		}
		delete(p.proposed, r)
	}
	p.round = ps.Round + 1
	p.parents = ps.Digests
}

func (p *Proposer) requeue(payload []types.PayloadEntry) {
	p.payload = append(append([]types.PayloadEntry(nil), payload...), p.payload...)
}
