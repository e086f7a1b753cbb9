// Package slab implements the fixed-capacity account store backing the
// risk engine: a contiguous array of account slots plus a bitmap tracking
// occupancy. Slot indexes are reused after a close; account IDs are not.
// The slab allocates nothing after construction, so the serialized state
// size is a pure function of MaxAccounts.
package slab

import (
	"errors"
	"math/bits"

	"github.com/google/uuid"
)

const (
	// MaxAccounts is the slab capacity. Power of two so the crank cursor
	// can wrap with a mask.
	MaxAccounts = 4096

	// BitmapWords is the occupancy bitmap length in 64-bit words.
	BitmapWords = (MaxAccounts + 63) / 64

	// IndexMask wraps a cursor onto a valid slot index.
	IndexMask = MaxAccounts - 1
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrSlabFull        = errors.New("slab full")
)

// Kind discriminates user accounts from liquidity-provider accounts.
type Kind uint8

const (
	KindUser Kind = iota
	KindLP
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "User"
	case KindLP:
		return "LP"
	default:
		return "Unknown"
	}
}

// Account is one slot in the slab. All monetary fields are quote units,
// prices are 1e6 fixed point, position sizes are base units.
type Account struct {
	Index     uint16
	AccountID uint64
	Kind      Kind
	Owner     uuid.UUID

	// Capital & PnL. Capital is never reduced by socialization (only by
	// withdrawal and fee settlement); realized losses accumulate in Pnl.
	Capital     int64
	Pnl         int64
	ReservedPnl int64

	// Warmup: realized profit vests linearly from WarmupStartedAtSlot at
	// WarmupSlopePerStep quote units per slot.
	WarmupStartedAtSlot uint64
	WarmupSlopePerStep  int64

	// Position. EntryPrice is the oracle mark at the last settlement,
	// not the original trade price.
	PositionSize int64
	EntryPrice   int64

	// FundingIndex is the snapshot of the global funding index taken at
	// the last lazy settlement.
	FundingIndex int64

	// MatcherID references the externally registered matching strategy
	// for LP accounts; zero for users.
	MatcherID uuid.UUID

	FeeCredits  int64
	LastFeeSlot uint64
}

// Flat reports whether the account holds no position.
func (a *Account) Flat() bool {
	return a.PositionSize == 0
}

// Slab is the fixed account array plus occupancy bitmap. Not safe for
// concurrent use; the engine is single-writer.
type Slab struct {
	bitmap [BitmapWords]uint64
	slots  [MaxAccounts]Account
	used   uint16
}

func New() *Slab {
	return &Slab{}
}

// Allocate claims the lowest free slot, zeroes it, and returns its index.
func (s *Slab) Allocate() (uint16, error) {
	for w := 0; w < BitmapWords; w++ {
		if s.bitmap[w] == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^s.bitmap[w])
		idx := uint16(w*64 + bit)
		s.bitmap[w] |= 1 << uint(bit)
		s.slots[idx] = Account{Index: idx}
		s.used++
		return idx, nil
	}
	return 0, ErrSlabFull
}

// Free releases a slot. The vacated slot index may be handed out again by
// a later Allocate; the account ID sequence is never rewound.
func (s *Slab) Free(idx uint16) error {
	if !s.IsUsed(idx) {
		return ErrAccountNotFound
	}
	s.bitmap[idx/64] &^= 1 << uint(idx%64)
	s.slots[idx] = Account{}
	s.used--
	return nil
}

// Get returns the account at idx, or ErrAccountNotFound for a free or
// out-of-range slot.
func (s *Slab) Get(idx uint16) (*Account, error) {
	if !s.IsUsed(idx) {
		return nil, ErrAccountNotFound
	}
	return &s.slots[idx], nil
}

// IsUsed reports occupancy in O(1).
func (s *Slab) IsUsed(idx uint16) bool {
	if idx >= MaxAccounts {
		return false
	}
	return s.bitmap[idx/64]&(1<<uint(idx%64)) != 0
}

// Len returns the number of occupied slots.
func (s *Slab) Len() uint16 {
	return s.used
}

// At returns the slot without an occupancy check. Callers iterate under
// IsUsed; the codec uses it to serialize free slots as zeroes.
func (s *Slab) At(idx uint16) *Account {
	return &s.slots[idx]
}

// NextUsed returns the first occupied slot at or after from, wrapping at
// the end of the slab. The second result is false when the slab is empty.
func (s *Slab) NextUsed(from uint16) (uint16, bool) {
	if s.used == 0 {
		return 0, false
	}
	idx := from & IndexMask
	for i := 0; i < MaxAccounts; i++ {
		if s.IsUsed(idx) {
			return idx, true
		}
		idx = (idx + 1) & IndexMask
	}
	return 0, false
}

// Bitmap exposes the occupancy words for serialization.
func (s *Slab) Bitmap() *[BitmapWords]uint64 {
	return &s.bitmap
}

// Restore rewrites a slot and its occupancy bit during deserialization.
func (s *Slab) Restore(idx uint16, used bool, acct Account) {
	wasUsed := s.IsUsed(idx)
	if used {
		s.bitmap[idx/64] |= 1 << uint(idx%64)
		if !wasUsed {
			s.used++
		}
	} else {
		s.bitmap[idx/64] &^= 1 << uint(idx%64)
		if wasUsed {
			s.used--
		}
	}
	s.slots[idx] = acct
}
