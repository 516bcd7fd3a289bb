package ingestion

import (
	"errors"
	"testing"
	"time"
)

func rawReq(subject, data string) RawRequest {
	return RawRequest{
		Subject:   subject,
		Data:      []byte(data),
		Timestamp: time.Now(),
		Ack:       func() {},
		Nak:       func() {},
	}
}

func TestParseInitiateDeposit(t *testing.T) {
	raw := rawReq("usdn.actions.deposit.initiate", `{
		"request_id": "f3b9a2e4-1f6a-4a38-9a51-0e5db6a7c001",
		"validator": "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a",
		"to": "0x0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b",
		"amount": "100000000000000000000",
		"security_deposit": "1000000000000000000",
		"price": {"price": "2000000000000000000000", "ts": 1700000000}
	}`)

	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Op != OpInitiateDeposit {
		t.Errorf("Op = %s, want %s", req.Op, OpInitiateDeposit)
	}
	if got := req.Amount.String(); got != "100000000000000000000" {
		t.Errorf("Amount = %s", got)
	}
	if req.Validator.String() != "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a" {
		t.Errorf("Validator = %s", req.Validator)
	}
	if len(req.PriceBlob) == 0 {
		t.Error("empty price blob")
	}
	if !req.OracleFee.IsZero() {
		t.Errorf("OracleFee = %s, want 0", req.OracleFee)
	}
}

func TestParseInitiateOpenRequiresLiqPrice(t *testing.T) {
	raw := rawReq("usdn.actions.open.initiate", `{
		"request_id": "f3b9a2e4-1f6a-4a38-9a51-0e5db6a7c002",
		"validator": "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a",
		"to": "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a",
		"amount": "100000000000000000000",
		"security_deposit": "1000000000000000000",
		"price": {"price": "2000000000000000000000", "ts": 1700000000}
	}`)

	_, err := ParseRequest(raw)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("err = %v, want ErrMissingField", err)
	}
}

func TestParseCloseCarriesPositionRef(t *testing.T) {
	raw := rawReq("usdn.actions.close.initiate", `{
		"request_id": "f3b9a2e4-1f6a-4a38-9a51-0e5db6a7c003",
		"validator": "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a",
		"to": "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a",
		"expo_to_close": "200000000000000000000",
		"security_deposit": "1000000000000000000",
		"tick": 69000,
		"tick_version": 3,
		"index": 2,
		"price": {"price": "2000000000000000000000", "ts": 1700000000}
	}`)

	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Tick != 69000 || req.TickVersion != 3 || req.Index != 2 {
		t.Errorf("position ref = (%d, %d, %d), want (69000, 3, 2)", req.Tick, req.TickVersion, req.Index)
	}
}

func TestParseKeeperLiquidate(t *testing.T) {
	raw := rawReq("usdn.keeper.liquidate", `{
		"request_id": "f3b9a2e4-1f6a-4a38-9a51-0e5db6a7c004",
		"price": {"price": "900000000000000000000", "ts": 1700000000}
	}`)

	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Op != OpLiquidate {
		t.Errorf("Op = %s, want %s", req.Op, OpLiquidate)
	}
	if !req.Validator.IsZero() {
		t.Errorf("keeper request carries a validator: %s", req.Validator)
	}
}

func TestParseSweepDefaultsMaxActions(t *testing.T) {
	raw := rawReq("usdn.keeper.sweep", `{
		"request_id": "f3b9a2e4-1f6a-4a38-9a51-0e5db6a7c005",
		"price": {"price": "2000000000000000000000", "ts": 1700000000}
	}`)

	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.MaxActions != 1 {
		t.Errorf("MaxActions = %d, want 1", req.MaxActions)
	}
}

func TestParseUnknownSubject(t *testing.T) {
	_, err := ParseRequest(rawReq("usdn.actions.unknown", `{}`))
	if !errors.Is(err, ErrUnknownSubject) {
		t.Fatalf("err = %v, want ErrUnknownSubject", err)
	}
}

func TestParseRejectsMissingPrice(t *testing.T) {
	raw := rawReq("usdn.actions.deposit.validate", `{
		"request_id": "f3b9a2e4-1f6a-4a38-9a51-0e5db6a7c006",
		"validator": "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a"
	}`)
	_, err := ParseRequest(raw)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("err = %v, want ErrMissingField", err)
	}
}

func TestDedupLRU(t *testing.T) {
	d := NewDedup(2, nil, nil)

	if d.IsDuplicate("liquidate", "k1") {
		t.Error("fresh key reported duplicate")
	}
	d.MarkProcessed("liquidate", "k1")
	if !d.IsDuplicate("liquidate", "k1") {
		t.Error("processed key not reported duplicate")
	}

	// Same key under a different kind is a different request.
	if d.IsDuplicate("sweep_pending", "k1") {
		t.Error("kind not part of the dedup key")
	}

	// Capacity 2: adding two more evicts k1.
	d.MarkProcessed("liquidate", "k2")
	d.MarkProcessed("liquidate", "k3")
	if d.IsDuplicate("liquidate", "k1") {
		t.Error("evicted key still reported duplicate")
	}
}

type staticDB struct{ dup bool }

func (s staticDB) IsDuplicate(string, string) (bool, error) { return s.dup, nil }

func TestDedupColdPathPromotesToLRU(t *testing.T) {
	d := NewDedup(4, staticDB{dup: true}, nil)
	if !d.IsDuplicate("liquidate", "old") {
		t.Fatal("db duplicate not reported")
	}
	// Promoted: a second lookup hits the LRU even if the DB went away.
	d.db = nil
	if !d.IsDuplicate("liquidate", "old") {
		t.Error("db hit not promoted to LRU")
	}
}
