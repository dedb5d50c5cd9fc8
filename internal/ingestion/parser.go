package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"CDPLedger/internal/command"
	"CDPLedger/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
)

const (
	CommandSubjectPrefix = "cdp.commands."
	PriceSubjectPrefix   = "cdp.prices."
	EventSubjectPrefix   = "cdp.ledger.events."
)

var (
	ErrUnknownSubject = errors.New("ingestion: unknown subject")
	ErrInvalidPrice   = errors.New("ingestion: invalid price payload")
)

// ParseCommand converts a message on cdp.commands.<op> into a typed command.
// The body is a command.Request.
func ParseCommand(subject string, data []byte) (command.Command, error) {
	opName, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	op, err := command.ParseOperation(opName)
	if err != nil {
		return nil, err
	}
	return command.Decode(op, data)
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

// priceJSON is one aggregator round. Answer is a signed integer string in
// the feed's native decimals; times are unix seconds.
type priceJSON struct {
	RoundID         uint64 `json:"round_id"`
	Answer          string `json:"answer"`
	StartedAt       int64  `json:"started_at"`
	UpdatedAt       int64  `json:"updated_at"`
	AnsweredInRound uint64 `json:"answered_in_round"`
}

// ParsePrice converts a message on cdp.prices.<feed address> into the feed
// id and its observation. Validation of the round (staleness, sign) is left
// to the oracle validator at read time.
func ParsePrice(subject string, data []byte) (common.Address, oracle.Observation, error) {
	feedHex, ok := strings.CutPrefix(subject, PriceSubjectPrefix)
	if !ok {
		return common.Address{}, oracle.Observation{}, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	if !common.IsHexAddress(feedHex) {
		return common.Address{}, oracle.Observation{}, fmt.Errorf("%w: feed %q", ErrInvalidPrice, feedHex)
	}

	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return common.Address{}, oracle.Observation{}, fmt.Errorf("parse price: %w", err)
	}
	answer, ok := new(big.Int).SetString(j.Answer, 10)
	if !ok {
		return common.Address{}, oracle.Observation{}, fmt.Errorf("%w: answer %q", ErrInvalidPrice, j.Answer)
	}
	if j.RoundID == 0 {
		return common.Address{}, oracle.Observation{}, fmt.Errorf("%w: round_id is required", ErrInvalidPrice)
	}
	answeredIn := j.AnsweredInRound
	if answeredIn == 0 {
		answeredIn = j.RoundID
	}
	startedAt := j.StartedAt
	if startedAt == 0 {
		startedAt = j.UpdatedAt
	}

	return common.HexToAddress(feedHex), oracle.Observation{
		RoundID:         j.RoundID,
		Answer:          answer,
		StartedAt:       time.Unix(startedAt, 0).UTC(),
		UpdatedAt:       time.Unix(j.UpdatedAt, 0).UTC(),
		AnsweredInRound: answeredIn,
	}, nil
}

// CommandSubject is the subject a command for op is published on.
func CommandSubject(op string) string {
	return CommandSubjectPrefix + op
}

// PriceSubject is the subject rounds for feed are published on.
func PriceSubject(feed common.Address) string {
	return PriceSubjectPrefix + feed.Hex()
}
