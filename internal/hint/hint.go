// Package hint finds insertion hints for the on-chain sorted trove list.
//
// The list is ordered by nominal collateral ratio and may be arbitrarily
// long, so it is never read in full. Instead the finder asks the list's
// helper contract for random samples, keeps the sample whose ratio is closest
// to the target, and lets the list resolve that candidate into a concrete
// (predecessor, successor) pair. Random sampling of ~10·√N entries lands
// within O(√N) positions of the true slot, which the contract then walks.
//
// The finder is a pure function of its inputs: the caller passes the oracle
// capability and the seed, and receives the next seed with the result.
package hint

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
)

const (
	// TrialsPerSqrtSize is the protocol's calibrated probe density: a search
	// over N troves draws ceil(TrialsPerSqrtSize·√N) random samples.
	TrialsPerSqrtSize = 10

	// MaxTrialsPerRound is the most samples one oracle call may draw before
	// running into the call gas cap.
	MaxTrialsPerRound = 2500
)

var (
	// ErrInvalidTarget is returned for a zero or negative target ratio.
	ErrInvalidTarget = errors.New("hint: target ratio must be positive")

	// ErrInvalidListSize is returned for a negative list size.
	ErrInvalidListSize = errors.New("hint: list size must not be negative")

	// ErrMissingSeed is returned when no initial seed is supplied.
	ErrMissingSeed = errors.New("hint: initial seed is required")
)

// Sample is one probe round's answer: the closest of the sampled troves and
// the seed to continue from.
type Sample struct {
	Candidate common.Address
	Diff      numeric.Value // |NICR(candidate) - target|
	NextSeed  *big.Int
}

// Oracle is the read-only capability over the sorted list and its helper.
type Oracle interface {
	// SampleRandom draws trials random troves starting from seed and
	// returns the one closest to target.
	SampleRandom(ctx context.Context, target numeric.Value, trials int, seed *big.Int) (Sample, error)

	// LocateInsertPosition walks from the given hints to the neighbours a
	// trove with ratio target would be inserted between.
	LocateInsertPosition(ctx context.Context, target numeric.Value, prevHint, nextHint common.Address) (prev, next common.Address, err error)

	First(ctx context.Context) (common.Address, error)
	Prev(ctx context.Context, id common.Address) (common.Address, error)
	Next(ctx context.Context, id common.Address) (common.Address, error)
}

// Request describes one hint search.
type Request struct {
	// Target is the nominal collateral ratio to insert at; may be Infinity.
	Target numeric.Value

	// ListSize is the current number of troves in the list.
	ListSize int

	// Seed is the caller-supplied entropy for the first round.
	Seed *big.Int

	// Own is the caller's trove when it is being moved within the list.
	// A hint never points at the trove being moved. Zero means none.
	Own common.Address
}

// Result is the outcome of a search.
type Result struct {
	Hint     model.Hint `json:"hint"`
	NextSeed *big.Int   `json:"next_seed,omitempty"`
	Rounds   int        `json:"rounds"`
	Trials   int        `json:"trials"`
}

// FindHint is Find without own-trove exclusion.
func FindHint(ctx context.Context, o Oracle, target numeric.Value, listSize int, seed *big.Int) (Result, error) {
	return Find(ctx, o, Request{Target: target, ListSize: listSize, Seed: seed})
}

// Find computes an insertion hint for req.Target.
//
// An empty list yields an empty hint without calling the oracle. An infinite
// target belongs at the head of the list and needs no sampling. Otherwise the
// oracle is probed Rounds(ListSize) times, each round seeded by the previous
// round's returned seed, and the best candidate (smallest diff, first on
// ties) is resolved into neighbours.
//
// Oracle failures are returned wrapped and are never retried here.
func Find(ctx context.Context, o Oracle, req Request) (Result, error) {
	if req.ListSize < 0 {
		return Result{}, ErrInvalidListSize
	}
	if !req.Target.IsPositive() {
		return Result{}, ErrInvalidTarget
	}
	if req.ListSize == 0 {
		return Result{NextSeed: req.Seed}, nil
	}

	if req.Target.IsInfinite() {
		first, err := o.First(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("hint: read list head: %w", err)
		}
		h, err := excludeOwn(ctx, o, model.Hint{Lower: first}, req.Own)
		if err != nil {
			return Result{}, err
		}
		return Result{Hint: h, NextSeed: req.Seed}, nil
	}

	if req.Seed == nil {
		return Result{}, ErrMissingSeed
	}

	rounds := Rounds(req.ListSize)
	seed := req.Seed
	var best Sample
	trials := 0

	for i, n := range rounds {
		s, err := o.SampleRandom(ctx, req.Target, n, seed)
		if err != nil {
			return Result{}, fmt.Errorf("hint: probe round %d: %w", i+1, err)
		}
		if i == 0 || s.Diff.LessThan(best.Diff) {
			best = s
		}
		seed = s.NextSeed
		trials += n
	}

	prev, next, err := o.LocateInsertPosition(ctx, req.Target, best.Candidate, best.Candidate)
	if err != nil {
		return Result{}, fmt.Errorf("hint: locate insert position: %w", err)
	}

	h, err := excludeOwn(ctx, o, model.Hint{Upper: prev, Lower: next}, req.Own)
	if err != nil {
		return Result{}, err
	}
	return Result{Hint: h, NextSeed: seed, Rounds: len(rounds), Trials: trials}, nil
}

// excludeOwn steps past the caller's own trove so a re-insert never uses
// itself as a neighbour.
func excludeOwn(ctx context.Context, o Oracle, h model.Hint, own common.Address) (model.Hint, error) {
	if own == (common.Address{}) {
		return h, nil
	}
	switch own {
	case h.Upper:
		prev, err := o.Prev(ctx, h.Upper)
		if err != nil {
			return model.Hint{}, fmt.Errorf("hint: step past own trove: %w", err)
		}
		h.Upper = prev
	case h.Lower:
		next, err := o.Next(ctx, h.Lower)
		if err != nil {
			return model.Hint{}, fmt.Errorf("hint: step past own trove: %w", err)
		}
		h.Lower = next
	}
	return h, nil
}

// TotalTrials is ceil(TrialsPerSqrtSize·√n), computed exactly in integers.
func TotalTrials(n int) int {
	if n <= 0 {
		return 0
	}
	return ceilSqrt(uint64(TrialsPerSqrtSize*TrialsPerSqrtSize) * uint64(n))
}

// Rounds splits TotalTrials(n) into per-call trial counts of at most
// MaxTrialsPerRound. There is at least one round for any non-empty list.
func Rounds(n int) []int {
	total := TotalTrials(n)
	if total == 0 {
		return nil
	}
	rounds := make([]int, 0, (total+MaxTrialsPerRound-1)/MaxTrialsPerRound)
	for total > 0 {
		chunk := total
		if chunk > MaxTrialsPerRound {
			chunk = MaxTrialsPerRound
		}
		rounds = append(rounds, chunk)
		total -= chunk
	}
	return rounds
}

func ceilSqrt(x uint64) int {
	r := uint64(math.Sqrt(float64(x)))
	for r*r > x {
		r--
	}
	for r*r < x {
		r++
	}
	return int(r)
}

// RandomSeed draws 256 bits of entropy for a first round.
func RandomSeed() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	seed, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("hint: draw seed: %w", err)
	}
	return seed, nil
}
