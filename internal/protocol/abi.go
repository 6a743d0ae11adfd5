package protocol

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/troveline/trove-engine/internal/model"
)

// Contract ABIs, reduced to the functions the engine calls.
var (
	BorrowerOperationsABI = mustParseABI(borrowerOperationsJSON)
	TroveManagerABI       = mustParseABI(troveManagerJSON)
	SortedTrovesABI       = mustParseABI(sortedTrovesJSON)
	HintHelpersABI        = mustParseABI(hintHelpersJSON)
	PriceFeedABI          = mustParseABI(priceFeedJSON)
)

// On-chain trove status enum, in declaration order.
var troveStatuses = []model.TroveStatus{
	model.StatusNonExistent,
	model.StatusOpen,
	model.StatusClosedByOwner,
	model.StatusClosedByLiquidation,
	model.StatusClosedByRedemption,
}

// TroveStatusFromEnum maps the on-chain status enum. Unknown values map to
// StatusNonExistent.
func TroveStatusFromEnum(status uint8) model.TroveStatus {
	if int(status) >= len(troveStatuses) {
		return model.StatusNonExistent
	}
	return troveStatuses[status]
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("protocol: bad ABI definition: " + err.Error())
	}
	return parsed
}

const borrowerOperationsJSON = `[
  {"type":"function","name":"openTrove","stateMutability":"payable","inputs":[
    {"name":"_maxFeePercentage","type":"uint256"},
    {"name":"_LUSDAmount","type":"uint256"},
    {"name":"_upperHint","type":"address"},
    {"name":"_lowerHint","type":"address"}],"outputs":[]},
  {"type":"function","name":"adjustTrove","stateMutability":"payable","inputs":[
    {"name":"_maxFeePercentage","type":"uint256"},
    {"name":"_collWithdrawal","type":"uint256"},
    {"name":"_LUSDChange","type":"uint256"},
    {"name":"_isDebtIncrease","type":"bool"},
    {"name":"_upperHint","type":"address"},
    {"name":"_lowerHint","type":"address"}],"outputs":[]},
  {"type":"function","name":"closeTrove","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

const troveManagerJSON = `[
  {"type":"function","name":"Troves","stateMutability":"view","inputs":[
    {"name":"","type":"address"}],"outputs":[
    {"name":"debt","type":"uint256"},
    {"name":"coll","type":"uint256"},
    {"name":"stake","type":"uint256"},
    {"name":"status","type":"uint8"},
    {"name":"arrayIndex","type":"uint128"}]},
  {"type":"function","name":"getEntireDebtAndColl","stateMutability":"view","inputs":[
    {"name":"_borrower","type":"address"}],"outputs":[
    {"name":"debt","type":"uint256"},
    {"name":"coll","type":"uint256"},
    {"name":"pendingLUSDDebtReward","type":"uint256"},
    {"name":"pendingETHReward","type":"uint256"}]},
  {"type":"function","name":"getEntireSystemDebt","stateMutability":"view","inputs":[],"outputs":[
    {"name":"entireSystemDebt","type":"uint256"}]},
  {"type":"function","name":"getEntireSystemColl","stateMutability":"view","inputs":[],"outputs":[
    {"name":"entireSystemColl","type":"uint256"}]},
  {"type":"function","name":"getTroveOwnersCount","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256"}]},
  {"type":"function","name":"baseRate","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256"}]},
  {"type":"function","name":"lastFeeOperationTime","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256"}]},
  {"type":"function","name":"redeemCollateral","stateMutability":"nonpayable","inputs":[
    {"name":"_LUSDamount","type":"uint256"},
    {"name":"_firstRedemptionHint","type":"address"},
    {"name":"_upperPartialRedemptionHint","type":"address"},
    {"name":"_lowerPartialRedemptionHint","type":"address"},
    {"name":"_partialRedemptionHintNICR","type":"uint256"},
    {"name":"_maxIterations","type":"uint256"},
    {"name":"_maxFeePercentage","type":"uint256"}],"outputs":[]}
]`

const sortedTrovesJSON = `[
  {"type":"function","name":"getSize","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256"}]},
  {"type":"function","name":"getFirst","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"address"}]},
  {"type":"function","name":"getLast","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"address"}]},
  {"type":"function","name":"getNext","stateMutability":"view","inputs":[
    {"name":"_id","type":"address"}],"outputs":[
    {"name":"","type":"address"}]},
  {"type":"function","name":"getPrev","stateMutability":"view","inputs":[
    {"name":"_id","type":"address"}],"outputs":[
    {"name":"","type":"address"}]},
  {"type":"function","name":"findInsertPosition","stateMutability":"view","inputs":[
    {"name":"_NICR","type":"uint256"},
    {"name":"_prevId","type":"address"},
    {"name":"_nextId","type":"address"}],"outputs":[
    {"name":"","type":"address"},
    {"name":"","type":"address"}]}
]`

const hintHelpersJSON = `[
  {"type":"function","name":"getApproxHint","stateMutability":"view","inputs":[
    {"name":"_CR","type":"uint256"},
    {"name":"_numTrials","type":"uint256"},
    {"name":"_inputRandomSeed","type":"uint256"}],"outputs":[
    {"name":"hintAddress","type":"address"},
    {"name":"diff","type":"uint256"},
    {"name":"latestRandomSeed","type":"uint256"}]}
]`

const priceFeedJSON = `[
  {"type":"function","name":"lastGoodPrice","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256"}]}
]`
