package protocol

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/troveline/trove-engine/internal/model"
)

const validManifest = `{
  "chainId": 1,
  "version": "v1.0.0",
  "deploymentDate": 1617611537000,
  "startBlock": 12178551,
  "addresses": {
    "borrowerOperations": "0x24179CD81c9e782A4096035f7eC97fB8B783e007",
    "troveManager": "0xA39739EF8b0231DbFA0DcdA07d7e29faAbCf4bb2",
    "sortedTroves": "0x8FdD3fbFEb32b28fb73555518f8b361bCeA741A6",
    "hintHelpers": "0xE84251b93D9524E0d2e621Ba7dc7cb3579F997C0",
    "priceFeed": "0x4c517D4e2C851CA76d7eC94B805269Df0f2201De"
  }
}`

func TestParseDeployment_Valid(t *testing.T) {
	d, err := ParseDeployment([]byte(validManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ChainID != 1 {
		t.Errorf("expected chainId=1, got %d", d.ChainID)
	}
	if d.StartBlock != 12178551 {
		t.Errorf("expected startBlock=12178551, got %d", d.StartBlock)
	}
	want := common.HexToAddress("0xA39739EF8b0231DbFA0DcdA07d7e29faAbCf4bb2")
	if d.Address(TroveManager) != want {
		t.Errorf("expected troveManager=%s, got %s", want, d.Address(TroveManager))
	}
	expected := time.UnixMilli(1617611537000).UTC()
	if !d.DeploymentDate.Equal(expected) {
		t.Errorf("expected deploymentDate=%v, got %v", expected, d.DeploymentDate)
	}
}

func TestParseDeployment_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		want     error
	}{
		{"not json", "INVALID", ErrInvalidDeployment},
		{"no chain", `{"addresses":{}}`, ErrInvalidDeployment},
		{"bad hex", strings.Replace(validManifest, "0x8FdD3fbFEb32b28fb73555518f8b361bCeA741A6", "0xZZZ", 1), ErrInvalidAddress},
		{"missing contract", strings.Replace(validManifest, `"hintHelpers"`, `"unused"`, 1), ErrMissingContract},
		{"zero address", strings.Replace(validManifest, "0x4c517D4e2C851CA76d7eC94B805269Df0f2201De", "0x0000000000000000000000000000000000000000", 1), ErrMissingContract},
	}
	for _, tc := range tests {
		_, err := ParseDeployment([]byte(tc.manifest))
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestMinimumDebtIncludesReserve(t *testing.T) {
	if MinimumDebt.String() != "2000" {
		t.Errorf("expected minimum debt 2000, got %s", MinimumDebt)
	}
}

func TestABIs_PackCalls(t *testing.T) {
	upper := common.HexToAddress("0x01")
	lower := common.HexToAddress("0x02")

	data, err := BorrowerOperationsABI.Pack("openTrove", big.NewInt(5e15), big.NewInt(2000), upper, lower)
	if err != nil {
		t.Fatalf("pack openTrove: %v", err)
	}
	if len(data) != 4+4*32 {
		t.Errorf("expected selector + 4 words, got %d bytes", len(data))
	}
	if _, ok := BorrowerOperationsABI.Methods["closeTrove"]; !ok {
		t.Error("closeTrove missing from BorrowerOperations ABI")
	}
	if m, ok := HintHelpersABI.Methods["getApproxHint"]; !ok || len(m.Outputs) != 3 {
		t.Error("getApproxHint should return (address, uint256, uint256)")
	}
}

func TestTroveStatusFromEnum(t *testing.T) {
	if got := TroveStatusFromEnum(1); got != model.StatusOpen {
		t.Errorf("expected open, got %s", got)
	}
	if got := TroveStatusFromEnum(42); got != model.StatusNonExistent {
		t.Errorf("expected nonExistent for unknown enum, got %s", got)
	}
}
