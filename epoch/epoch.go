/*
Package epoch holds the committee in force and the lifecycle around it. The
committee is an immutable value swapped as a whole on reconfiguration; every
component reads it through Committee. The manager also owns the context of the
current epoch, cancelled when the epoch ends so that in-flight fetches of the
old epoch are discarded, and the garbage collection watermark of the DAG.
*/
package epoch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

var (
	// ErrStaleEpoch is returned for a new epoch that is not above the current one.
	ErrStaleEpoch = errors.New("epoch is not above the current epoch")
	// ErrCommitteeMismatch is returned when an update changes more than the addresses.
	ErrCommitteeMismatch = errors.New("committee update changes the members")
	// ErrShutdown is returned once the manager was shut down.
	ErrShutdown = errors.New("authority is shut down")
)

type Manager struct {
	committee atomic.Pointer[types.Committee]
	store     *store.Store
	dag       *dag.DAG
	gcDepth   uint64
	metrics   *metrics.Metrics
	logger    hclog.Logger

	lock        sync.Mutex
	parent      context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	subscribers []chan types.ReconfigureNotification
	onEpoch     []func(*types.Committee) error
	onGC        []func(gcRound uint64)
	done        chan struct{}
	stopped     bool
}

// New installs committee. Epoch contexts derive from ctx.
func New(ctx context.Context, committee *types.Committee, st *store.Store, d *dag.DAG, gcDepth uint64,
	m *metrics.Metrics, logger hclog.Logger) *Manager {
	mgr := &Manager{
		store:   st,
		dag:     d,
		gcDepth: gcDepth,
		metrics: m,
		logger:  logger,
		parent:  ctx,
		done:    make(chan struct{}),
	}
	mgr.committee.Store(committee)
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)
	m.Epoch.Set(float64(committee.Epoch))
	return mgr
}

// Committee returns the committee in force.
func (m *Manager) Committee() *types.Committee {
	return m.committee.Load()
}

// EpochContext is cancelled when the current epoch ends.
func (m *Manager) EpochContext() context.Context {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.ctx
}

// Done is closed on shutdown.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// OnNewEpoch registers fn, called in registration order with the new committee
// after the DAG was reset.
func (m *Manager) OnNewEpoch(fn func(*types.Committee) error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.onEpoch = append(m.onEpoch, fn)
}

// OnGC registers fn, called with the new watermark after every collection.
func (m *Manager) OnGC(fn func(gcRound uint64)) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.onGC = append(m.onGC, fn)
}

// Subscribe returns a channel receiving every applied notification. Slow
// subscribers miss notifications rather than block reconfiguration.
func (m *Manager) Subscribe() <-chan types.ReconfigureNotification {
	m.lock.Lock()
	defer m.lock.Unlock()
	ch := make(chan types.ReconfigureNotification, 8)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Collect garbage collects the DAG up to committedRound - gc_depth, genesis
// included once committedRound reaches gc_depth. committedRound comes from the
// consensus engine after an acknowledgement and never exceeds the last
// acknowledged leader round.
func (m *Manager) Collect(committedRound uint64) error {
	if committedRound < m.gcDepth {
		return nil
	}
	round := committedRound - m.gcDepth
	if m.dag.IsStale(round) {
		return nil
	}
	deleted, err := m.dag.GC(round)
	if err != nil {
		return err
	}
	m.lock.Lock()
	hooks := append([]func(uint64){}, m.onGC...)
	m.lock.Unlock()
	for _, fn := range hooks {
		fn(round)
	}
	m.metrics.GCRound.Set(float64(round))
	m.metrics.DAGCertificates.Set(float64(m.dag.Size()))
	m.logger.Debug("collected garbage", "round", round, "deleted", deleted)
	return nil
}

// Reconfigure applies a notification.
func (m *Manager) Reconfigure(n *types.ReconfigureNotification) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.stopped {
		return ErrShutdown
	}
	current := m.committee.Load()
	switch n.Kind {
	case types.NewEpoch:
		if n.Committee == nil || n.Committee.Epoch <= current.Epoch {
			return fmt.Errorf("%w: %d", ErrStaleEpoch, current.Epoch)
		}
		if err := n.Committee.Validate(); err != nil {
			return err
		}
		if err := m.store.WriteCommittee(n.Committee); err != nil {
			return err
		}
		m.cancel()
		m.ctx, m.cancel = context.WithCancel(m.parent)
		m.committee.Store(n.Committee)
		if err := m.dag.Reset(n.Committee); err != nil {
			return err
		}
		for _, fn := range m.onEpoch {
			if err := fn(n.Committee); err != nil {
				return err
			}
		}
		m.metrics.Epoch.Set(float64(n.Committee.Epoch))
		m.metrics.GCRound.Set(0)
		m.logger.Info("entered a new epoch", "epoch", n.Committee.Epoch, "authorities", n.Committee.Size())
	case types.UpdateCommittee:
		if n.Committee == nil || n.Committee.Epoch != current.Epoch || !current.SameMembers(n.Committee) {
			return ErrCommitteeMismatch
		}
		if err := n.Committee.Validate(); err != nil {
			return err
		}
		if err := m.store.WriteCommittee(n.Committee); err != nil {
			return err
		}
		m.committee.Store(n.Committee)
		m.logger.Info("updated the committee", "epoch", n.Committee.Epoch)
	case types.Shutdown:
		m.stopped = true
		m.cancel()
		close(m.done)
		m.logger.Info("shutting down")
	default:
		return fmt.Errorf("unknown reconfiguration %d", n.Kind)
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- *n:
		default:
			m.logger.Warn("dropped a reconfiguration notification", "kind", n.Kind)
		}
	}
	return nil
}

// Close cancels the epoch context.
func (m *Manager) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.cancel()
}
