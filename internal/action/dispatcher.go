package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// Ledger is the subset of *ledger.Service the dispatcher drives.
type Ledger interface {
	CheckBalance(ctx context.Context, account ledger.AccountKey) (ledger.Balance, error)
	Reserve(ctx context.Context, account ledger.AccountKey, jobID ledger.JobID, amount ledger.PositiveCredits, description string, metadata ledger.MetadataJSON) (ledger.JobResult, error)
	Consume(ctx context.Context, account ledger.AccountKey, jobID ledger.JobID, description string, metadata ledger.MetadataJSON) (ledger.JobResult, error)
	Refund(ctx context.Context, account ledger.AccountKey, jobID ledger.JobID, description string, metadata ledger.MetadataJSON) (ledger.JobResult, error)
	RefillMonthly(ctx context.Context, account ledger.AccountKey) (ledger.RefillResult, error)
	CreateJob(ctx context.Context, account ledger.AccountKey, jobID ledger.JobID) (ledger.Job, error)
	CancelJob(ctx context.Context, account ledger.AccountKey, jobID ledger.JobID) (ledger.Job, error)
	Grant(ctx context.Context, account ledger.AccountKey, amount ledger.PositiveCredits, referenceType ledger.ReferenceType, referenceID string, idempotencyKey ledger.IdempotencyKey, description string, metadata ledger.MetadataJSON) (ledger.GrantResult, error)
	AdminAdjust(ctx context.Context, account ledger.AccountKey, delta ledger.CreditDelta, idempotencyKey ledger.IdempotencyKey, reason string, metadata ledger.MetadataJSON) (ledger.GrantResult, error)
	ListTransactions(ctx context.Context, account ledger.AccountKey, afterSequence int64, limit int) ([]ledger.Transaction, error)
	Reconcile(ctx context.Context, account ledger.AccountKey) (ledger.ReconciliationReport, error)
}

// Dispatcher executes commands against the ledger and renders the response envelope.
type Dispatcher struct {
	ledger Ledger
}

// NewDispatcher returns a Dispatcher over service.
func NewDispatcher(service Ledger) (*Dispatcher, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Dispatcher{ledger: service}, nil
}

// Handle parses and executes request. Failures are reported inside the envelope.
func (dispatcher *Dispatcher) Handle(ctx context.Context, request Request) Response {
	command, err := Parse(request)
	if err != nil {
		return Failure(Name(request.Action), err)
	}
	response, err := dispatcher.Execute(ctx, command)
	if err != nil {
		return Failure(command.Name(), err)
	}
	return response
}

// Execute runs a single command.
func (dispatcher *Dispatcher) Execute(ctx context.Context, command Command) (Response, error) {
	account := command.Account()
	switch typed := command.(type) {
	case CheckBalance:
		balance, err := dispatcher.ledger.CheckBalance(ctx, account)
		if err != nil {
			return Response{}, err
		}
		return balanceResponse(typed.Name(), balance), nil
	case Reserve:
		result, err := dispatcher.ledger.Reserve(ctx, account, typed.JobID, typed.Amount, typed.Description, typed.Metadata)
		if err != nil {
			return Response{}, err
		}
		return jobResponse(typed.Name(), result), nil
	case Consume:
		result, err := dispatcher.ledger.Consume(ctx, account, typed.JobID, typed.Description, typed.Metadata)
		if err != nil {
			return Response{}, err
		}
		return jobResponse(typed.Name(), result), nil
	case Refund:
		result, err := dispatcher.ledger.Refund(ctx, account, typed.JobID, typed.Description, typed.Metadata)
		if err != nil {
			return Response{}, err
		}
		return jobResponse(typed.Name(), result), nil
	case RefillMonthly:
		result, err := dispatcher.ledger.RefillMonthly(ctx, account)
		if err != nil {
			return Response{}, err
		}
		response := balanceResponse(typed.Name(), result.Balance)
		response.CreditsAdded = int64Pointer(result.CreditsAdded.Int64())
		response.TransactionID = result.TransactionID
		return response, nil
	case CreateJob:
		job, err := dispatcher.ledger.CreateJob(ctx, account, typed.JobID)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Action: typed.Name(), JobID: job.JobID.String(), JobStatus: job.Status.String()}, nil
	case CancelJob:
		job, err := dispatcher.ledger.CancelJob(ctx, account, typed.JobID)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Action: typed.Name(), JobID: job.JobID.String(), JobStatus: job.Status.String()}, nil
	case Grant:
		result, err := dispatcher.ledger.Grant(ctx, account, typed.Amount, ledger.ReferenceCreditPurchase, typed.ReferenceID, typed.IdempotencyKey, typed.Description, typed.Metadata)
		if err != nil {
			return Response{}, err
		}
		response := balanceResponse(typed.Name(), result.Balance)
		response.CreditsAdded = int64Pointer(typed.Amount.Int64())
		response.TransactionID = result.TransactionID
		return response, nil
	case AdminAdjust:
		result, err := dispatcher.ledger.AdminAdjust(ctx, account, typed.Delta, typed.IdempotencyKey, typed.Reason, typed.Metadata)
		if err != nil {
			return Response{}, err
		}
		response := balanceResponse(typed.Name(), result.Balance)
		response.TransactionID = result.TransactionID
		return response, nil
	case ListTransactions:
		transactions, err := dispatcher.ledger.ListTransactions(ctx, account, typed.AfterSequence, typed.Limit)
		if err != nil {
			return Response{}, err
		}
		views := make([]TransactionView, 0, len(transactions))
		for _, transaction := range transactions {
			views = append(views, newTransactionView(transaction))
		}
		return Response{Success: true, Action: typed.Name(), Transactions: views}, nil
	case Reconcile:
		report, err := dispatcher.ledger.Reconcile(ctx, account)
		if err != nil {
			return Response{}, err
		}
		return Response{
			Success: true,
			Action:  typed.Name(),
			Balance: int64Pointer(report.StoredBalance.Int64()),
			Reconciliation: &ReconciliationView{
				Consistent:       report.Consistent(),
				StoredBalance:    report.StoredBalance.Int64(),
				ReplayedBalance:  report.ReplayedBalance.Int64(),
				TransactionCount: report.TransactionCount,
				Discrepancies:    report.Discrepancies,
			},
		}, nil
	default:
		return Response{}, fmt.Errorf("%w: %T", ErrUnknownAction, command)
	}
}

// Response is the envelope returned for every action.
type Response struct {
	Success        bool                `json:"success"`
	Action         Name                `json:"action"`
	Balance        *int64              `json:"balance,omitempty"`
	TotalEarned    *int64              `json:"total_earned,omitempty"`
	TotalConsumed  *int64              `json:"total_consumed,omitempty"`
	LastRefillAt   string              `json:"last_refill_at,omitempty"`
	JobID          string              `json:"job_id,omitempty"`
	JobStatus      string              `json:"job_status,omitempty"`
	CreditsAdded   *int64              `json:"credits_added,omitempty"`
	TransactionID  string              `json:"transaction_id,omitempty"`
	Transactions   []TransactionView   `json:"transactions,omitempty"`
	Reconciliation *ReconciliationView `json:"reconciliation,omitempty"`
	Error          *ErrorBody          `json:"error,omitempty"`
}

// ErrorBody carries the machine-readable code and a human-readable message.
type ErrorBody struct {
	Code    ledger.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// TransactionView is the wire shape of one transaction log line.
type TransactionView struct {
	TransactionID string          `json:"transaction_id"`
	Sequence      int64           `json:"sequence"`
	Type          string          `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	ReferenceType string          `json:"reference_type,omitempty"`
	Description   string          `json:"description,omitempty"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     string          `json:"created_at"`
}

// ReconciliationView is the wire shape of a reconciliation report.
type ReconciliationView struct {
	Consistent       bool     `json:"consistent"`
	StoredBalance    int64    `json:"stored_balance"`
	ReplayedBalance  int64    `json:"replayed_balance"`
	TransactionCount int      `json:"transaction_count"`
	Discrepancies    []string `json:"discrepancies,omitempty"`
}

// Failure builds the error envelope for err.
func Failure(name Name, err error) Response {
	return Response{
		Success: false,
		Action:  name,
		Error:   &ErrorBody{Code: ledger.ErrorCodeOf(err), Message: publicMessage(err)},
	}
}

// publicMessage hides storage internals from callers.
func publicMessage(err error) string {
	if ledger.ErrorCodeOf(err) == ledger.CodeStorageFailure {
		return ledger.ErrStorageFailure.Error()
	}
	return err.Error()
}

func balanceResponse(name Name, balance ledger.Balance) Response {
	response := Response{
		Success:       true,
		Action:        name,
		Balance:       int64Pointer(balance.CurrentBalance.Int64()),
		TotalEarned:   int64Pointer(balance.TotalEarned.Int64()),
		TotalConsumed: int64Pointer(balance.TotalConsumed.Int64()),
	}
	if balance.LastRefillAtUnixUTC != 0 {
		response.LastRefillAt = formatUnix(balance.LastRefillAtUnixUTC)
	}
	return response
}

func jobResponse(name Name, result ledger.JobResult) Response {
	response := balanceResponse(name, result.Balance)
	response.JobID = result.Job.JobID.String()
	response.JobStatus = result.Job.Status.String()
	response.TransactionID = result.TransactionID
	return response
}

func newTransactionView(transaction ledger.Transaction) TransactionView {
	return TransactionView{
		TransactionID: transaction.TransactionID,
		Sequence:      transaction.Sequence,
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount.Int64(),
		BalanceBefore: transaction.BalanceBefore.Int64(),
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		ReferenceID:   transaction.ReferenceID,
		ReferenceType: transaction.ReferenceType.String(),
		Description:   transaction.Description,
		Metadata:      json.RawMessage(transaction.Metadata.String()),
		CreatedAt:     formatUnix(transaction.CreatedUnixUTC),
	}
}

func formatUnix(unixUTC int64) string {
	return time.Unix(unixUTC, 0).UTC().Format(time.RFC3339)
}

func int64Pointer(value int64) *int64 {
	return &value
}
