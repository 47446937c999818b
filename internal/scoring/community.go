package scoring

import (
	"errors"
	"fmt"
)

// CommunityLabel is the long-window consensus label. The empty value means mixed
// and is not surfaced to clients.
type CommunityLabel string

const (
	CommunityNone             CommunityLabel = "none"
	CommunityInsufficientData CommunityLabel = "insufficient-data"
	CommunityMostlyFound      CommunityLabel = "mostly-found"
	CommunityMostlyNotFound   CommunityLabel = "mostly-not-found"
	CommunityMixed            CommunityLabel = ""
)

// ErrInvalidPolicy indicates thresholds that cannot be applied.
var ErrInvalidPolicy = errors.New("scoring: invalid policy")

// CommunityPolicy holds the long-window thresholds. Percentages are whole numbers
// so threshold checks stay in integer arithmetic.
type CommunityPolicy struct {
	MinSamples            int
	MostlyFoundPercent    int
	MostlyNotFoundPercent int
}

// DefaultCommunityPolicy returns the 5 sample, 70%/30% policy.
func DefaultCommunityPolicy() CommunityPolicy {
	return CommunityPolicy{MinSamples: 5, MostlyFoundPercent: 70, MostlyNotFoundPercent: 30}
}

// Validate checks the policy bounds.
func (p CommunityPolicy) Validate() error {
	if p.MinSamples < 1 {
		return fmt.Errorf("%w: min samples must be positive", ErrInvalidPolicy)
	}
	if p.MostlyFoundPercent < 0 || p.MostlyFoundPercent > 100 || p.MostlyNotFoundPercent < 0 || p.MostlyNotFoundPercent > 100 {
		return fmt.Errorf("%w: percentages must be within 0..100", ErrInvalidPolicy)
	}
	if p.MostlyNotFoundPercent >= p.MostlyFoundPercent {
		return fmt.Errorf("%w: mostly-not-found threshold must be below mostly-found", ErrInvalidPolicy)
	}
	return nil
}

// CommunityScore is the long-window snapshot.
type CommunityScore struct {
	Tally
	Label CommunityLabel
}

// ScoreCommunity derives the long-window label from a tally.
func (p CommunityPolicy) ScoreCommunity(tally Tally) CommunityScore {
	score := CommunityScore{Tally: tally}
	total := tally.Total()
	switch {
	case total == 0:
		score.Label = CommunityNone
	case total < p.MinSamples:
		score.Label = CommunityInsufficientData
	case tally.FoundCount*100 >= p.MostlyFoundPercent*total:
		score.Label = CommunityMostlyFound
	case tally.FoundCount*100 <= p.MostlyNotFoundPercent*total:
		score.Label = CommunityMostlyNotFound
	default:
		score.Label = CommunityMixed
	}
	return score
}

// HighRiskPolicy flags stores where the product is repeatedly missing and never found.
type HighRiskPolicy struct {
	MinNotFound int
	MaxFound    int
}

// DefaultHighRiskPolicy returns the five misses, zero finds policy.
func DefaultHighRiskPolicy() HighRiskPolicy {
	return HighRiskPolicy{MinNotFound: 5, MaxFound: 0}
}

// IsHighRisk reports whether the tally crosses the high-risk thresholds.
func (p HighRiskPolicy) IsHighRisk(tally Tally) bool {
	return tally.NotFoundCount >= p.MinNotFound && tally.FoundCount <= p.MaxFound
}
