package ledger

import (
	"errors"
	"math"
	"testing"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewUserID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewEnvironment(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr bool
		wantVal string
	}{
		{name: "sandbox", input: "sandbox", wantVal: "sandbox"},
		{name: "normalized", input: " Production ", wantVal: "production"},
		{name: "dashes", input: "eu-live_2", wantVal: "eu-live_2"},
		{name: "empty", input: "", wantErr: true},
		{name: "slash", input: "prod/eu", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			environment, err := NewEnvironment(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidEnvironment) {
					t.Fatalf("expected ErrInvalidEnvironment, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if environment.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, environment.String())
			}
		})
	}
}

func TestParseAccountKey(t *testing.T) {
	t.Parallel()
	account, err := ParseAccountKey("user-1", "sandbox")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.String() != "sandbox/user-1" {
		t.Fatalf("unexpected key %q", account.String())
	}
	if _, err := ParseAccountKey("", "sandbox"); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := ParseAccountKey("user-1", ""); !errors.Is(err, ErrInvalidEnvironment) {
		t.Fatalf("expected ErrInvalidEnvironment, got %v", err)
	}
	if _, err := NewAccountKey(UserID{}, Environment{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero values, got %v", err)
	}
}

func TestValidationErrorsAreInvalidArguments(t *testing.T) {
	t.Parallel()
	validationErrors := []error{
		ErrInvalidUserID,
		ErrInvalidEnvironment,
		ErrInvalidJobID,
		ErrInvalidPlanID,
		ErrInvalidSubscriptionID,
		ErrInvalidIdempotencyKey,
		ErrInvalidAmount,
		ErrInvalidMetadataJSON,
		ErrInvalidTransactionType,
		ErrInvalidJobStatus,
		ErrInvalidSubscriptionStatus,
		ErrInvalidTransaction,
		ErrInvalidListLimit,
	}
	for _, validationError := range validationErrors {
		if !errors.Is(validationError, ErrInvalidArgument) {
			t.Fatalf("expected %v to match ErrInvalidArgument", validationError)
		}
	}
	if errors.Is(ErrInvalidUserID, ErrInvalidJobID) {
		t.Fatalf("validation errors must stay distinct")
	}
}

func TestCreditAmounts(t *testing.T) {
	t.Parallel()
	if _, err := NewPositiveCredits(0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := NewPositiveCredits(-5); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for negative, got %v", err)
	}
	if _, err := NewCredits(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := NewCreditDelta(0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	amount, err := NewPositiveCredits(30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount.ToDelta().Negated() != -30 || amount.ToCredits() != 30 {
		t.Fatalf("unexpected conversions for %d", amount)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	for _, invalid := range []string{"not-json", "[1,2]", `"text"`} {
		if _, err := NewMetadataJSON(invalid); !errors.Is(err, ErrInvalidMetadataJSON) {
			t.Fatalf("expected ErrInvalidMetadataJSON for %q, got %v", invalid, err)
		}
	}
}

func TestMetadataWithAndStringValue(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON(`{"error_message":"model timeout","attempt":2}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	enriched, err := meta.With("refunded", true)
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	if meta.String() != `{"error_message":"model timeout","attempt":2}` {
		t.Fatalf("original metadata mutated: %s", meta.String())
	}
	message, ok := enriched.StringValue("error_message")
	if !ok || message != "model timeout" {
		t.Fatalf("expected error message, got %q (%v)", message, ok)
	}
	if _, ok := enriched.StringValue("attempt"); ok {
		t.Fatalf("expected non-string value to be ignored")
	}
	if _, ok := EmptyMetadata().StringValue("missing"); ok {
		t.Fatalf("expected missing key")
	}
	var zero MetadataJSON
	if zero.String() != "{}" {
		t.Fatalf("expected zero metadata to render as {}, got %q", zero.String())
	}
}

func TestParseEnums(t *testing.T) {
	t.Parallel()
	if _, err := ParseTransactionType("earn"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseTransactionType("bonus"); !errors.Is(err, ErrInvalidTransactionType) {
		t.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
	if _, err := ParseJobStatus("archived"); !errors.Is(err, ErrInvalidJobStatus) {
		t.Fatalf("expected ErrInvalidJobStatus, got %v", err)
	}
	status, err := ParseSubscriptionStatus(" Active ")
	if err != nil || status != SubscriptionStatusActive {
		t.Fatalf("expected active, got %q (%v)", status, err)
	}
	terminal := map[JobStatus]bool{
		JobStatusPending:    false,
		JobStatusProcessing: false,
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
		JobStatusCancelled:  true,
	}
	for status, want := range terminal {
		if status.IsTerminal() != want {
			t.Fatalf("unexpected terminal flag for %s", status)
		}
	}
}

func TestTransactionInputValidate(t *testing.T) {
	t.Parallel()
	account, err := ParseAccountKey("user-1", "sandbox")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	key, err := NewIdempotencyKey("reserve:job-1")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	input := TransactionInput{
		Account:        account,
		Sequence:       1,
		Type:           TransactionConsume,
		Amount:         -30,
		BalanceBefore:  100,
		BalanceAfter:   70,
		IdempotencyKey: key,
	}
	if err := input.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	input.BalanceAfter = 71
	if err := input.Validate(); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}
}

func TestBalanceApply(t *testing.T) {
	t.Parallel()
	account, err := ParseAccountKey("user-1", "sandbox")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	balance := Balance{Account: account, CurrentBalance: 10, Version: 4}
	next, err := balance.apply(-10, 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.CurrentBalance != 0 || next.TotalConsumed != 10 || next.Version != 5 {
		t.Fatalf("unexpected balance %+v", next)
	}
	if _, err := balance.apply(-11, 0, 11); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	full := Balance{Account: account, CurrentBalance: math.MaxInt64, TotalEarned: math.MaxInt64}
	if _, err := full.apply(1, 1, 0); !errors.Is(err, ErrCreditOverflow) || !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrCreditOverflow, got %v", err)
	}
	drained := Balance{Account: account, CurrentBalance: 10, TotalConsumed: math.MaxInt64}
	if _, err := drained.apply(-1, 0, 1); !errors.Is(err, ErrCreditOverflow) {
		t.Fatalf("expected consumed overflow, got %v", err)
	}
}
