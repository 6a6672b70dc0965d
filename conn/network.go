package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// Network addresses the authorities of the committee in force by name.
type Network struct {
	trans     *NetworkTransport
	name      string
	committee func() *types.Committee
	logger    hclog.Logger
}

func NewNetwork(trans *NetworkTransport, name string, committee func() *types.Committee, logger hclog.Logger) *Network {
	return &Network{trans: trans, name: name, committee: committee, logger: logger}
}

// CommitteeVerifier accepts frames signed with the network key of a member of
// the committee in force.
func CommitteeVerifier(committee func() *types.Committee) Verifier {
	return func(sender string, payload, sig []byte) bool {
		key, ok := committee().NetworkKey(sender)
		if !ok {
			return false
		}
		valid, err := sign.VerifySignEd25519(key, payload, sig)
		return err == nil && valid
	}
}

func (n *Network) address(to string) (string, error) {
	addr, ok := n.committee().Address(to)
	if !ok {
		return "", fmt.Errorf("%w: %s", types.ErrUnknownAuthority, to)
	}
	return addr, nil
}

// Send sends msg to the authority named to.
func (n *Network) Send(to string, tag uint8, msg interface{}) error {
	addr, err := n.address(to)
	if err != nil {
		return err
	}
	return n.trans.Send(addr, tag, msg)
}

// Broadcast sends msg to every other authority. Failures are logged, the
// protocol tolerates lost messages.
func (n *Network) Broadcast(tag uint8, msg interface{}) {
	var wg sync.WaitGroup
	for _, name := range n.committee().Others(n.name) {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := n.Send(name, tag, msg); err != nil {
				n.logger.Debug("failed to send", "to", name, "type", tag, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

// Request sends req to the authority named to and decodes its answer into resp.
func (n *Network) Request(ctx context.Context, to string, tag uint8, req, resp interface{}) error {
	addr, err := n.address(to)
	if err != nil {
		return err
	}
	return n.trans.Request(ctx, addr, tag, req, resp)
}
