package election

import "errors"

var errInvalidOptions = errors.New("election: NodeID, LeaderKey and Store are required")
