package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"PerpCore/internal/command"
)

// --- JSON wire formats ---
// The oracle and clock feeds come from producers that do not speak the
// full command envelope, so the parser wraps their bare payloads.

type oraclePriceJSON struct {
	CommandID string `json:"command_id"`
	Price     int64  `json:"price"`
}

type fundingRateJSON struct {
	CommandID      string `json:"command_id"`
	Slot           uint64 `json:"slot"`
	RateBpsPerSlot int64  `json:"rate_bps_per_slot"`
}

type clockTickJSON struct {
	CommandID string `json:"command_id"`
	Slot      uint64 `json:"slot"`
}

// ParseMessage converts a raw NATS message into a validated command.
//
//	perp.cmd.*          full command envelope
//	perp.oracle.price   bare oracle price payload
//	perp.oracle.funding bare funding rate payload
//	perp.clock.tick     bare slot clock payload
func ParseMessage(subject string, data []byte) (*command.Command, error) {
	switch {
	case strings.HasPrefix(subject, "perp.cmd."):
		var cmd command.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("parse command: %w", err)
		}
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
		return &cmd, nil

	case subject == "perp.oracle.price":
		var j oraclePriceJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse oracle price: %w", err)
		}
		id, err := uuid.Parse(j.CommandID)
		if err != nil {
			return nil, fmt.Errorf("parse command_id: %w", err)
		}
		cmd := &command.Command{
			CommandID:    id,
			Kind:         command.KindOracleUpdate,
			OracleUpdate: &command.OracleUpdate{Price: j.Price},
		}
		return cmd, cmd.Validate()

	case subject == "perp.oracle.funding":
		var j fundingRateJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse funding rate: %w", err)
		}
		id, err := uuid.Parse(j.CommandID)
		if err != nil {
			return nil, fmt.Errorf("parse command_id: %w", err)
		}
		cmd := &command.Command{
			CommandID: id,
			Kind:      command.KindFundingRate,
			FundingRate: &command.FundingRate{
				Slot:           j.Slot,
				RateBpsPerSlot: j.RateBpsPerSlot,
			},
		}
		return cmd, cmd.Validate()

	case subject == "perp.clock.tick":
		var j clockTickJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse clock tick: %w", err)
		}
		id, err := uuid.Parse(j.CommandID)
		if err != nil {
			return nil, fmt.Errorf("parse command_id: %w", err)
		}
		cmd := &command.Command{
			CommandID: id,
			Kind:      command.KindClockTick,
			ClockTick: &command.ClockTick{Slot: j.Slot},
		}
		return cmd, cmd.Validate()

	default:
		return nil, fmt.Errorf("unknown subject %q", subject)
	}
}
