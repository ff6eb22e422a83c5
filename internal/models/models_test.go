package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestBalance_Available(t *testing.T) {
	b := Balance{Total: decimal.NewFromInt(100), Reserved: decimal.NewFromInt(40)}
	if !b.Available().Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected available 60, got %s", b.Available())
	}
}

func TestOrder_Remaining(t *testing.T) {
	o := Order{Qty: decimal.NewFromInt(10), Filled: decimal.NewFromInt(3)}
	if !o.Remaining().Equal(decimal.NewFromInt(7)) {
		t.Errorf("expected remaining 7, got %s", o.Remaining())
	}
}

func TestOrder_IsResting(t *testing.T) {
	cases := []struct {
		status Status
		resting bool
	}{
		{StatusNew, true},
		{StatusPartExecuted, true},
		{StatusExecuted, false},
		{StatusCancelled, false},
	}
	for _, c := range cases {
		o := Order{Status: c.status}
		if o.IsResting() != c.resting {
			t.Errorf("status %s: expected IsResting=%v, got %v", c.status, c.resting, o.IsResting())
		}
	}
}

func TestOrder_IsTerminal(t *testing.T) {
	cases := []struct {
		status   Status
		terminal bool
	}{
		{StatusNew, false},
		{StatusPartExecuted, false},
		{StatusExecuted, true},
		{StatusCancelled, true},
	}
	for _, c := range cases {
		o := Order{Status: c.status}
		if o.IsTerminal() != c.terminal {
			t.Errorf("status %s: expected IsTerminal=%v, got %v", c.status, c.terminal, o.IsTerminal())
		}
	}
}

func TestStatusForFilled(t *testing.T) {
	qty := decimal.NewFromInt(10)
	cases := []struct {
		name     string
		filled   decimal.Decimal
		expected Status
	}{
		{"none filled", decimal.Zero, StatusNew},
		{"partially filled", decimal.NewFromInt(4), StatusPartExecuted},
		{"fully filled", decimal.NewFromInt(10), StatusExecuted},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := StatusForFilled(qty, c.filled)
			if got != c.expected {
				t.Errorf("StatusForFilled(%s, %s) = %s, want %s", qty, c.filled, got, c.expected)
			}
		})
	}
}
