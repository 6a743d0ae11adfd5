// Package protocol holds the protocol calibration constants and parses the
// deployment manifest that names the contracts the engine talks to.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/troveline/trove-engine/internal/numeric"
)

// Calibration constants. These match the deployed contracts and must not be
// tuned locally.
var (
	// MinimumCollateralRatio (MCR) is the ratio below which a trove can be liquidated.
	MinimumCollateralRatio = numeric.MustParse("1.1")

	// CriticalCollateralRatio (CCR) is the system ratio below which recovery mode starts.
	CriticalCollateralRatio = numeric.MustParse("1.5")

	// LiquidationReserve is the gas compensation locked in every trove's debt.
	LiquidationReserve = numeric.FromInt(200)

	// MinimumNetDebt is the smallest net debt an open trove may carry.
	MinimumNetDebt = numeric.FromInt(1800)

	// MinimumDebt is MinimumNetDebt plus the liquidation reserve.
	MinimumDebt = MinimumNetDebt.Add(LiquidationReserve)

	MinimumBorrowingRate  = numeric.MustParse("0.005")
	MaximumBorrowingRate  = numeric.MustParse("0.05")
	MinimumRedemptionRate = numeric.MustParse("0.005")

	// MinuteDecayFactor decays the base rate with a 12h half-life.
	MinuteDecayFactor = numeric.MustParse("0.999037758833783")

	// Beta divides the redeemed fraction of supply when bumping the base rate.
	Beta = numeric.FromInt(2)

	// NominalRatioScale turns coll/debt into the nominal ratio the sorted
	// list is keyed by (1e20 on chain, 100 at 18 digits).
	NominalRatioScale = numeric.FromInt(100)
)

// Contract names required in every deployment manifest.
const (
	BorrowerOperations = "borrowerOperations"
	TroveManager       = "troveManager"
	SortedTroves       = "sortedTroves"
	HintHelpers        = "hintHelpers"
	PriceFeed          = "priceFeed"
)

var requiredContracts = []string{
	BorrowerOperations,
	TroveManager,
	SortedTroves,
	HintHelpers,
	PriceFeed,
}

var (
	ErrInvalidDeployment = errors.New("protocol: invalid deployment manifest")
	ErrMissingContract   = errors.New("protocol: deployment is missing a contract address")
	ErrInvalidAddress    = errors.New("protocol: invalid contract address")
)

// Deployment describes one protocol deployment on one chain.
type Deployment struct {
	ChainID        uint64                    `json:"chainId"`
	Version        string                    `json:"version"`
	DeploymentDate time.Time                 `json:"-"`
	StartBlock     uint64                    `json:"startBlock"`
	Addresses      map[string]common.Address `json:"-"`
}

type rawDeployment struct {
	ChainID        uint64            `json:"chainId"`
	Version        string            `json:"version"`
	DeploymentDate int64             `json:"deploymentDate"` // unix millis
	StartBlock     uint64            `json:"startBlock"`
	Addresses      map[string]string `json:"addresses"`
}

// ParseDeployment parses and validates a JSON deployment manifest.
// Format: {"chainId":1,"version":"...","deploymentDate":<ms>,"addresses":{"troveManager":"0x..",...}}
func ParseDeployment(data []byte) (*Deployment, error) {
	var raw rawDeployment
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeployment, err)
	}
	if raw.ChainID == 0 {
		return nil, fmt.Errorf("%w: chainId is required", ErrInvalidDeployment)
	}

	d := &Deployment{
		ChainID:    raw.ChainID,
		Version:    strings.TrimSpace(raw.Version),
		StartBlock: raw.StartBlock,
		Addresses:  make(map[string]common.Address, len(raw.Addresses)),
	}
	if raw.DeploymentDate > 0 {
		d.DeploymentDate = time.UnixMilli(raw.DeploymentDate).UTC()
	}

	for name, hex := range raw.Addresses {
		hex = strings.TrimSpace(hex)
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidAddress, name, hex)
		}
		d.Addresses[name] = common.HexToAddress(hex)
	}

	for _, name := range requiredContracts {
		addr, ok := d.Addresses[name]
		if !ok || addr == (common.Address{}) {
			return nil, fmt.Errorf("%w: %s", ErrMissingContract, name)
		}
	}
	return d, nil
}

// LoadDeployment reads a manifest from disk.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment: %w", err)
	}
	return ParseDeployment(data)
}

// Address returns the named contract address; ParseDeployment guarantees the
// required ones exist.
func (d *Deployment) Address(name string) common.Address {
	return d.Addresses[name]
}
