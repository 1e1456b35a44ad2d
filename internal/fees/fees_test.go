package fees

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/config"
)

func feeConfig() config.Config {
	return config.Config{
		FeeBasePercent:        decimal.RequireFromString("0.01"),
		FeeVerifyPerCPUSecond: decimal.RequireFromString("0.01"),
		FeeVerifyMinimum:      decimal.RequireFromString("0.05"),
		FeeStoragePerKB:       decimal.RequireFromString("0.001"),
		FeeStorageMinimum:     decimal.RequireFromString("0.01"),
	}
}

type stubBalances struct {
	balances map[uuid.UUID]decimal.Decimal
	err      error
}

func (s *stubBalances) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (decimal.Decimal, error) {
	if s.err != nil {
		return decimal.Zero, s.err
	}
	b, ok := s.balances[id]
	if !ok {
		return decimal.Zero, errors.New("agent not found")
	}
	return b, nil
}

func (s *stubBalances) AdjustBalance(_ context.Context, _ pgx.Tx, id uuid.UUID, delta decimal.Decimal) error {
	s.balances[id] = s.balances[id].Add(delta)
	return nil
}

func TestVerificationFee(t *testing.T) {
	e := NewEngine(feeConfig(), nil)

	cases := []struct {
		cpuSeconds float64
		want       string
	}{
		{0, "0.05"},       // minimum applies
		{1, "0.05"},       // 0.01 < minimum
		{30, "0.30"},      // 30 × 0.01
		{12.4, "0.12"},
		{12.5, "0.13"}, // 0.125 rounds half-up
	}
	for _, tc := range cases {
		got := e.Verification(tc.cpuSeconds)
		if !got.Amount.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("Verification(%v) = %s, want %s", tc.cpuSeconds, got.Amount, tc.want)
		}
	}
}

func TestStorageFee(t *testing.T) {
	e := NewEngine(feeConfig(), nil)

	cases := []struct {
		bytes int
		want  string
	}{
		{100, "0.01"},      // < 1 KB, minimum
		{1024, "0.01"},     // 1 KB × 0.001 = 0.001 → min
		{51200, "0.05"},    // 50 KB
		{51201, "0.05"},    // 51 KB ceil → 0.051 → 0.05
	}
	for _, tc := range cases {
		got := e.Storage(tc.bytes)
		want := decimal.RequireFromString(tc.want)
		if !got.Amount.Equal(want) {
			t.Errorf("Storage(%d) = %s, want %s", tc.bytes, got.Amount, want)
		}
	}
}

func TestBaseFeeSplit(t *testing.T) {
	e := NewEngine(feeConfig(), nil)

	client, seller := e.Base(decimal.RequireFromString("10.00"))
	if !client.Amount.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("client share = %s, want 0.05", client.Amount)
	}
	if !seller.Amount.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("seller share = %s, want 0.05", seller.Amount)
	}

	// An even total splits evenly; the shares always sum to the total.
	client, seller = e.Base(decimal.RequireFromString("150.00"))
	total := client.Amount.Add(seller.Amount)
	if !total.Equal(decimal.RequireFromString("1.50")) {
		t.Errorf("shares sum to %s, want 1.50", total)
	}
	if !seller.Amount.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("seller share = %s, want 0.75", seller.Amount)
	}
}

func TestCharge(t *testing.T) {
	agentID := uuid.New()
	stub := &stubBalances{balances: map[uuid.UUID]decimal.Decimal{
		agentID: decimal.RequireFromString("1.00"),
	}}
	e := NewEngine(feeConfig(), stub)

	fee := Breakdown{FeeType: FeeVerification, Amount: decimal.RequireFromString("0.30")}
	if err := e.Charge(context.Background(), nil, agentID, fee); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if got := stub.balances[agentID]; !got.Equal(decimal.RequireFromString("0.70")) {
		t.Errorf("balance = %s, want 0.70", got)
	}
}

func TestCharge_Insufficient(t *testing.T) {
	agentID := uuid.New()
	stub := &stubBalances{balances: map[uuid.UUID]decimal.Decimal{
		agentID: decimal.RequireFromString("0.04"),
	}}
	e := NewEngine(feeConfig(), stub)

	fee := Breakdown{FeeType: FeeVerification, Amount: decimal.RequireFromString("0.05")}
	err := e.Charge(context.Background(), nil, agentID, fee)
	if err == nil {
		t.Fatal("expected conflict")
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindConflict {
		t.Errorf("expected conflict kind, got %v", err)
	}
	if !stub.balances[agentID].Equal(decimal.RequireFromString("0.04")) {
		t.Error("balance must be untouched on failed charge")
	}
}
