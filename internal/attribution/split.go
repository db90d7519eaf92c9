package attribution

import (
	"sort"

	"github.com/shopspring/decimal"

	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
)

// Share is one artist's part of a subscriber's payment.
type Share struct {
	BandID           string
	StreamCount      int64
	ListeningSeconds int64
	GrossCents       int64
	NetCents         int64
}

// Allocation is the result of splitting one subscriber's payment for one
// period. Shares are ordered by band id. When the subscriber has no
// qualifying listening the pool is reported as UnallocatedCents and Shares
// is empty.
type Allocation struct {
	TotalPaidCents   int64
	PoolCents        int64
	UnallocatedCents int64
	Shares           []Share
}

// Qualifying drops listens that must not fund anyone: incomplete plays, free
// plays and plays of bands owned by the listener.
func Qualifying(listens []model.Listen) []model.Listen {
	out := make([]model.Listen, 0, len(listens))
	for _, l := range listens {
		if !l.Completed || l.IsFreePlay {
			continue
		}
		if l.BandOwnerID != "" && l.BandOwnerID == l.SubscriberID {
			continue
		}
		out = append(out, l)
	}
	return out
}

// PoolCents is floor(totalPaid × fraction).
func PoolCents(totalPaidCents int64, fraction decimal.Decimal) int64 {
	return decimal.NewFromInt(totalPaidCents).Mul(fraction).Floor().IntPart()
}

// Split distributes floor(totalPaid × fraction) across the listened bands in
// proportion to listening seconds. Every share is floored, the leftover cents
// go to the band with the most seconds (ties: smallest band id), so the net
// shares always sum to the pool and the gross shares to totalPaid.
func Split(totalPaidCents int64, fraction decimal.Decimal, listens []model.Listen) (Allocation, error) {
	if totalPaidCents < 0 {
		return Allocation{}, ierr.NewErrorf("negative payment %d", totalPaidCents).
			Mark(ierr.ErrValidation)
	}
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return Allocation{}, ierr.NewErrorf("artist share %s out of (0, 1]", fraction).
			Mark(ierr.ErrValidation)
	}

	alloc := Allocation{
		TotalPaidCents: totalPaidCents,
		PoolCents:      PoolCents(totalPaidCents, fraction),
	}

	byBand := make(map[string]*Share)
	var totalSeconds int64
	for _, l := range listens {
		if l.BandID == "" || l.DurationSeconds < 0 {
			return Allocation{}, ierr.NewError("malformed listening record").
				WithDetails(map[string]any{
					"band_id":          l.BandID,
					"duration_seconds": l.DurationSeconds,
				}).
				Mark(ierr.ErrValidation)
		}
		s, ok := byBand[l.BandID]
		if !ok {
			s = &Share{BandID: l.BandID}
			byBand[l.BandID] = s
		}
		s.StreamCount++
		s.ListeningSeconds += l.DurationSeconds
		totalSeconds += l.DurationSeconds
	}

	if totalSeconds == 0 {
		alloc.UnallocatedCents = alloc.PoolCents
		return alloc, nil
	}

	shares := make([]Share, 0, len(byBand))
	for _, s := range byBand {
		if s.ListeningSeconds == 0 {
			continue
		}
		shares = append(shares, *s)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].BandID < shares[j].BandID })

	weights := make([]int64, len(shares))
	leader := 0
	for i, s := range shares {
		weights[i] = s.ListeningSeconds
		if s.ListeningSeconds > shares[leader].ListeningSeconds {
			leader = i
		}
	}

	net := distribute(alloc.PoolCents, weights, totalSeconds, leader)
	gross := distribute(totalPaidCents, weights, totalSeconds, leader)
	for i := range shares {
		shares[i].NetCents = net[i]
		shares[i].GrossCents = gross[i]
	}
	alloc.Shares = shares
	return alloc, nil
}

// distribute returns floor(amount × w / total) per weight and adds what is
// left to weights[leader].
func distribute(amount int64, weights []int64, total int64, leader int) []int64 {
	out := make([]int64, len(weights))
	a := decimal.NewFromInt(amount)
	t := decimal.NewFromInt(total)
	var sum int64
	for i, w := range weights {
		q, _ := a.Mul(decimal.NewFromInt(w)).QuoRem(t, 0)
		out[i] = q.IntPart()
		sum += out[i]
	}
	out[leader] += amount - sum
	return out
}
