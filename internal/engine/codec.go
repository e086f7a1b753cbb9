package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"PerpCore/internal/slab"
)

// The engine state serializes as a single fixed-size little-endian record
// whose length depends only on the slab capacity. Free slots serialize as
// zeroes, so storage cost is flat and capacity-bounded.
const (
	recordMagic   = 0x50435231 // "PCR1"
	recordVersion = 1

	headerSize        = 144
	bitmapSize        = slab.BitmapWords * 8
	accountRecordSize = 128

	// RecordSize is the exact serialized length of the engine state.
	RecordSize = headerSize + bitmapSize + slab.MaxAccounts*accountRecordSize
)

type cursor struct {
	buf []byte
	off int
}

func (c *cursor) putU64(v uint64) {
	binary.LittleEndian.PutUint64(c.buf[c.off:], v)
	c.off += 8
}

func (c *cursor) putI64(v int64) { c.putU64(uint64(v)) }

func (c *cursor) putU32(v uint32) {
	binary.LittleEndian.PutUint32(c.buf[c.off:], v)
	c.off += 4
}

func (c *cursor) putU16(v uint16) {
	binary.LittleEndian.PutUint16(c.buf[c.off:], v)
	c.off += 2
}

func (c *cursor) putU8(v uint8) {
	c.buf[c.off] = v
	c.off++
}

func (c *cursor) putUUID(id uuid.UUID) {
	copy(c.buf[c.off:], id[:])
	c.off += 16
}

func (c *cursor) skip(n int) { c.off += n }

func (c *cursor) u64() uint64 {
	v := binary.LittleEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

func (c *cursor) i64() int64 { return int64(c.u64()) }

func (c *cursor) u32() uint32 {
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u16() uint16 {
	v := binary.LittleEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u8() uint8 {
	v := c.buf[c.off]
	c.off++
	return v
}

func (c *cursor) uuid() uuid.UUID {
	var id uuid.UUID
	copy(id[:], c.buf[c.off:c.off+16])
	c.off += 16
	return id
}

// MarshalBinary serializes the full engine state into a RecordSize-byte
// record. Matcher registrations are host-side capabilities and are not
// part of the record.
func (e *Engine) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	c := &cursor{buf: buf}

	c.putU32(recordMagic)
	c.putU16(recordVersion)
	c.skip(2)

	c.putI64(e.agg.vault)
	c.putI64(e.agg.insuranceBalance)
	c.putI64(e.agg.insuranceFeeRevenue)
	c.putI64(e.agg.totalOpenInterest)
	c.putI64(e.agg.cTot)
	c.putI64(e.agg.pnlPosTot)
	c.putI64(e.agg.netLpPos)
	c.putI64(e.agg.lpSumAbs)
	c.putI64(e.agg.lpMaxAbs)

	c.putU64(e.currentSlot)
	c.putI64(e.fundingIndex)
	c.putU64(e.lastFundingSlot)
	c.putU64(e.lastCrankSlot)

	c.putU64(e.nextAccountID)
	c.putU64(e.lifetimeLiquidations)
	c.putU64(e.lifetimeForceCloses)

	c.putU16(e.crankCursor)
	c.putU16(e.sweepStart)
	if e.sweepActive {
		c.putU8(1)
	} else {
		c.putU8(0)
	}
	c.skip(3)

	bitmap := e.accounts.Bitmap()
	for _, word := range bitmap {
		c.putU64(word)
	}

	for i := uint16(0); i < slab.MaxAccounts; i++ {
		if !e.accounts.IsUsed(i) {
			c.skip(accountRecordSize)
			continue
		}
		a := e.accounts.At(i)
		start := c.off
		c.putU64(a.AccountID)
		c.putI64(a.Capital)
		c.putI64(a.Pnl)
		c.putI64(a.ReservedPnl)
		c.putU64(a.WarmupStartedAtSlot)
		c.putI64(a.WarmupSlopePerStep)
		c.putI64(a.PositionSize)
		c.putI64(a.EntryPrice)
		c.putI64(a.FundingIndex)
		c.putI64(a.FeeCredits)
		c.putU64(a.LastFeeSlot)
		c.putUUID(a.Owner)
		c.putUUID(a.MatcherID)
		c.putU8(uint8(a.Kind))
		c.off = start + accountRecordSize
	}

	return buf, nil
}

// UnmarshalBinary restores engine state from a record produced by
// MarshalBinary. Risk params and matcher registrations come from the
// host, not the record.
func (e *Engine) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("state record has %d bytes, want %d", len(data), RecordSize)
	}
	c := &cursor{buf: data}

	if magic := c.u32(); magic != recordMagic {
		return fmt.Errorf("bad state record magic %#x", magic)
	}
	if ver := c.u16(); ver != recordVersion {
		return fmt.Errorf("unsupported state record version %d", ver)
	}
	c.skip(2)

	e.agg.vault = c.i64()
	e.agg.insuranceBalance = c.i64()
	e.agg.insuranceFeeRevenue = c.i64()
	e.agg.totalOpenInterest = c.i64()
	e.agg.cTot = c.i64()
	e.agg.pnlPosTot = c.i64()
	e.agg.netLpPos = c.i64()
	e.agg.lpSumAbs = c.i64()
	e.agg.lpMaxAbs = c.i64()

	e.currentSlot = c.u64()
	e.fundingIndex = c.i64()
	e.lastFundingSlot = c.u64()
	e.lastCrankSlot = c.u64()

	e.nextAccountID = c.u64()
	e.lifetimeLiquidations = c.u64()
	e.lifetimeForceCloses = c.u64()

	e.crankCursor = c.u16()
	e.sweepStart = c.u16()
	e.sweepActive = c.u8() == 1
	c.skip(3)

	var bitmap [slab.BitmapWords]uint64
	for w := 0; w < slab.BitmapWords; w++ {
		bitmap[w] = c.u64()
	}

	for i := uint16(0); i < slab.MaxAccounts; i++ {
		used := bitmap[i/64]&(1<<uint(i%64)) != 0
		if !used {
			e.accounts.Restore(i, false, slab.Account{})
			c.skip(accountRecordSize)
			continue
		}
		start := c.off
		a := slab.Account{Index: i}
		a.AccountID = c.u64()
		a.Capital = c.i64()
		a.Pnl = c.i64()
		a.ReservedPnl = c.i64()
		a.WarmupStartedAtSlot = c.u64()
		a.WarmupSlopePerStep = c.i64()
		a.PositionSize = c.i64()
		a.EntryPrice = c.i64()
		a.FundingIndex = c.i64()
		a.FeeCredits = c.i64()
		a.LastFeeSlot = c.u64()
		a.Owner = c.uuid()
		a.MatcherID = c.uuid()
		a.Kind = slab.Kind(c.u8())
		c.off = start + accountRecordSize
		e.accounts.Restore(i, true, a)
	}

	return e.RecomputeAggregates()
}
