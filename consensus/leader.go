package consensus

import (
	"encoding/binary"

	"github.com/gitzhang10/narwhal/types"
)

// IsLeaderRound reports whether round elects a leader. Leaders sit on odd rounds
// so that the even round above them carries their votes.
func IsLeaderRound(round uint64) bool {
	return round%2 == 1
}

// Leader returns the authority elected for round. Every authority computes the
// same schedule from the committee alone; an authority is elected with a
// probability proportional to its stake.
func Leader(committee *types.Committee, round uint64) string {
	seed := types.LeaderSeed(committee.Epoch, round)
	x := binary.BigEndian.Uint64(seed[:8]) % committee.TotalStake()
	names := committee.Names()
	for _, name := range names {
		stake := committee.Stake(name)
		if x < stake {
			return name
		}
		x -= stake
	}
	return names[len(names)-1]
}
