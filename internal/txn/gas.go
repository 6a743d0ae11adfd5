package txn

import "math/bits"

// Gas margins added on top of the node's estimate. The estimate is taken
// against current state, which may have moved by the time the transaction
// is mined.
const (
	// ListTraversalGas covers one extra step through the sorted list when
	// the hint has gone stale.
	ListTraversalGas = 80000

	// BaseRateUpdateGas plus BaseRateDecayGasPerBit per bit of elapsed
	// minutes covers the base rate decay the contract recomputes when
	// minutes have passed since the last fee operation.
	BaseRateUpdateGas      = 10000
	BaseRateDecayGasPerBit = 1414
)

// ListTraversalMargin is the allowance for a stale hint.
func ListTraversalMargin() uint64 {
	return ListTraversalGas
}

// BaseRateUpdateMargin is 10000 + 1414·ceil(log2(maxMinutes+1)).
func BaseRateUpdateMargin(maxMinutes int) uint64 {
	if maxMinutes < 0 {
		maxMinutes = 0
	}
	// ceil(log2(m+1)) is the bit length of m
	return BaseRateUpdateGas + BaseRateDecayGasPerBit*uint64(bits.Len(uint(maxMinutes)))
}
