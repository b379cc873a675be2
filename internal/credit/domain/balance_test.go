package domain

import "testing"

func TestComputeBalance(t *testing.T) {
	derived := ComputeBalance(100, 20, 30, 50, 40)

	if derived.Available != 90 {
		t.Fatalf("available = %v, want 90", derived.Available)
	}
	if derived.Spendable != 140 {
		t.Fatalf("spendable = %v, want 140", derived.Spendable)
	}
	if derived.MonthlyRemaining != 60 {
		t.Fatalf("monthly remaining = %v, want 60", derived.MonthlyRemaining)
	}
}

func TestComputeBalanceClampsNegatives(t *testing.T) {
	derived := ComputeBalance(10, 0, 15, 5, 20)

	if derived.Available != 0 {
		t.Fatalf("available = %v, want 0 (clamped)", derived.Available)
	}
	if derived.Spendable != 5 {
		t.Fatalf("spendable = %v, want 5 (overdraft only)", derived.Spendable)
	}
	if derived.MonthlyRemaining != 0 {
		t.Fatalf("monthly remaining = %v, want 0 (clamped)", derived.MonthlyRemaining)
	}
}

func TestReservationStatusTerminal(t *testing.T) {
	if ReservationStatusPending.Terminal() {
		t.Fatal("pending must not be terminal")
	}
	for _, status := range []ReservationStatus{
		ReservationStatusSettled,
		ReservationStatusReleased,
		ReservationStatusExpired,
	} {
		if !status.Terminal() {
			t.Fatalf("%s must be terminal", status)
		}
	}
}
