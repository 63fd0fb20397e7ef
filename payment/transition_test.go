package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/entitle/types"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func record(s Status) *Record {
	return &Record{
		CorrelationCode: 1001,
		SubjectType:     SubjectPackage,
		SubjectID:       "order-1",
		Amount:          types.VND(200000),
		Status:          s,
		Attempts:        1,
		ExpiresAt:       now.Add(10 * time.Minute),
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		from    Status
		changed bool
		wantErr bool
	}{
		{StatusPending, true, false},
		{StatusFailed, true, false},
		{StatusSuccess, false, false},
		{StatusCancelled, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			r := record(tt.from)
			changed, err := Confirm(r, Confirmation{TransactionRef: "FT1"}, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: %v", err)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got %v, want ErrInvalidTransition", err)
			}
			if changed != tt.changed {
				t.Errorf("changed: got %v, want %v", changed, tt.changed)
			}
			if changed && (r.Status != StatusSuccess || r.ConfirmedAt == nil || r.TransactionRef != "FT1") {
				t.Errorf("record not confirmed: %+v", r)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	r := record(StatusPending)
	changed, err := Cancel(r, ReasonExpired, now)
	if err != nil || !changed {
		t.Fatalf("Cancel: changed %v err %v", changed, err)
	}
	if r.CancelReason != ReasonExpired {
		t.Errorf("reason: got %q", r.CancelReason)
	}

	if changed, err := Cancel(r, "again", now); err != nil || changed {
		t.Errorf("second Cancel: changed %v err %v", changed, err)
	}

	if _, err := Cancel(record(StatusSuccess), "x", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel success: got %v", err)
	}
}

func TestReopen(t *testing.T) {
	r := record(StatusCancelled)
	r.CancelReason = "cancelled by user"
	r.CheckoutURL = "https://pay.example.test/old"

	err := Reopen(r, Reissue{Code: 2002, Amount: types.VND(200000), ExpiresAt: now.Add(time.Hour)}, now)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if r.Status != StatusPending || r.CorrelationCode != 2002 || r.Attempts != 2 {
		t.Errorf("reopened: status %s code %d attempts %d", r.Status, r.CorrelationCode, r.Attempts)
	}
	if r.CancelReason != "" || r.CheckoutURL != "" {
		t.Error("reopen must clear the previous attempt")
	}

	if err := Reopen(record(StatusSuccess), Reissue{Code: 3}, now); !errors.Is(err, ErrDuplicateActivePayment) {
		t.Errorf("reopen success: got %v", err)
	}
}

func TestFail(t *testing.T) {
	r := record(StatusPending)
	if err := Fail(r, "checkout unavailable", now); err != nil || r.Status != StatusFailed {
		t.Fatalf("Fail: status %s err %v", r.Status, err)
	}
	if err := Fail(record(StatusSuccess), "x", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("fail success: got %v", err)
	}
}

func TestExpired(t *testing.T) {
	r := record(StatusPending)
	if r.Expired(now) {
		t.Error("not expired inside the window")
	}
	if !r.Expired(now.Add(11 * time.Minute)) {
		t.Error("expected expired after the window")
	}
	if record(StatusSuccess).Expired(now.Add(time.Hour)) {
		t.Error("only pending records expire")
	}
}
