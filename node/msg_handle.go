package node

import (
	"context"
	"errors"

	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/primary"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/synchronizer"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/validator"
)

// HandleMsgLoop dispatches the messages received by the transport until ctx is done.
func (n *Node) HandleMsgLoop(ctx context.Context) error {
	msgCh := n.trans.MsgChan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgCh:
			if n.isFaulty {
				continue
			}
			n.handlers.Add(1)
			go func(msg conn.Message) {
				defer n.handlers.Done()
				n.handleMsg(ctx, msg)
			}(msg)
		}
	}
}

func (n *Node) handleMsg(ctx context.Context, msg conn.Message) {
	var err error
	switch m := msg.Msg.(type) {
	case *types.Header:
		err = n.core.HandleHeader(ctx, msg.Sender, m)
	case *types.Vote:
		err = n.core.HandleVote(msg.Sender, m)
	case *types.Certificate:
		err = n.core.HandleCertificate(m)
	case *types.BatchMsg:
		err = n.worker.HandleBatch(m)
	case *types.ShardMsg:
		err = n.worker.HandleShard(m)
	case *types.ReconfigureNotification:
		if msg.Sender != n.name {
			n.logger.Warn("ignoring a reconfiguration from a peer", "sender", msg.Sender, "kind", m.Kind)
			return
		}
		err = n.epoch.Reconfigure(m)
	default:
		n.logger.Warn("unexpected message", "sender", msg.Sender, "type", msg.Tag)
		return
	}
	n.report(msg, err)
}

// report logs a failed message; storage failures stop the authority.
func (n *Node) report(msg conn.Message, err error) {
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStorage):
		n.fail(err)
	case validator.IsValidationError(err), errors.Is(err, primary.ErrWrongSender):
		n.logger.Warn("discarded an invalid message", "sender", msg.Sender, "type", msg.Tag, "error", err)
	case errors.Is(err, dag.ErrStaleRound), errors.Is(err, primary.ErrAlreadyVoted),
		errors.Is(err, synchronizer.ErrNetworkTimeout), errors.Is(err, context.Canceled):
		n.logger.Debug("message not processed", "sender", msg.Sender, "type", msg.Tag, "error", err)
	default:
		n.logger.Error("failed to handle a message", "sender", msg.Sender, "type", msg.Tag, "error", err)
	}
}

func (n *Node) registerHandlers() {
	n.trans.RegisterHandler(types.CertificateRequestTag, func(sender string, req interface{}) (interface{}, error) {
		return n.core.ServeCertificate(req.(*types.CertificateRequest))
	})
	n.trans.RegisterHandler(types.BatchRequestTag, func(sender string, req interface{}) (interface{}, error) {
		return n.worker.ServeBatch(req.(*types.BatchRequest))
	})
	n.trans.RegisterHandler(types.ShardRequestTag, func(sender string, req interface{}) (interface{}, error) {
		return n.worker.ServeShard(req.(*types.ShardRequest))
	})
}
