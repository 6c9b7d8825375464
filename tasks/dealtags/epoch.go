package dealtags

import (
	"time"

	"github.com/filecoin-project/go-state-types/abi"
)

const (
	// GenesisTimestamp is the unix time of mainnet epoch 0.
	GenesisTimestamp = 1598306400
	// EpochDurationSeconds is the length of one epoch.
	EpochDurationSeconds = 30
)

// EpochToTimestamp returns the unix time an epoch started. Epoch -1 marks an event that has not happened and
// maps to 0. Must agree with the epoch_to_timestamp SQL function.
func EpochToTimestamp(epoch abi.ChainEpoch) int64 {
	if epoch == -1 {
		return 0
	}
	return int64(epoch)*EpochDurationSeconds + GenesisTimestamp
}

func EpochToTime(epoch abi.ChainEpoch) time.Time {
	return time.Unix(EpochToTimestamp(epoch), 0).UTC()
}
