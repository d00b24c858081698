// Package action turns action-keyed requests into a closed set of validated ledger commands.
package action

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// Name identifies one variant of the command set.
type Name string

const (
	NameCheckBalance     Name = "check_balance"
	NameReserve          Name = "reserve"
	NameConsume          Name = "consume"
	NameRefund           Name = "refund"
	NameRefillMonthly    Name = "refill_monthly"
	NameCreateJob        Name = "create_job"
	NameCancelJob        Name = "cancel_job"
	NameGrant            Name = "grant"
	NameAdminAdjust      Name = "admin_adjust"
	NameListTransactions Name = "list_transactions"
	NameReconcile        Name = "reconcile"
)

// ErrUnknownAction reports an action outside the command set.
var ErrUnknownAction = fmt.Errorf("%w: unknown action", ledger.ErrInvalidArgument)

// Request is the wire shape shared by every action. Fields a variant does not use are ignored.
type Request struct {
	Action         string          `json:"action"`
	UserID         string          `json:"user_id"`
	Environment    string          `json:"environment"`
	JobID          string          `json:"job_id,omitempty"`
	Amount         int64           `json:"amount,omitempty"`
	Description    string          `json:"description,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	AfterSequence  int64           `json:"after_sequence,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

// Command is implemented only by the variants declared in this package.
type Command interface {
	Name() Name
	Account() ledger.AccountKey
	command()
}

type target struct {
	account ledger.AccountKey
}

func (target target) Account() ledger.AccountKey { return target.account }
func (target) command()                          {}

type CheckBalance struct{ target }

type Reserve struct {
	target
	JobID       ledger.JobID
	Amount      ledger.PositiveCredits
	Description string
	Metadata    ledger.MetadataJSON
}

type Consume struct {
	target
	JobID       ledger.JobID
	Description string
	Metadata    ledger.MetadataJSON
}

type Refund struct {
	target
	JobID       ledger.JobID
	Description string
	Metadata    ledger.MetadataJSON
}

type RefillMonthly struct{ target }

type CreateJob struct {
	target
	JobID ledger.JobID
}

type CancelJob struct {
	target
	JobID ledger.JobID
}

type Grant struct {
	target
	Amount         ledger.PositiveCredits
	ReferenceID    string
	IdempotencyKey ledger.IdempotencyKey
	Description    string
	Metadata       ledger.MetadataJSON
}

type AdminAdjust struct {
	target
	Delta          ledger.CreditDelta
	IdempotencyKey ledger.IdempotencyKey
	Reason         string
	Metadata       ledger.MetadataJSON
}

type ListTransactions struct {
	target
	AfterSequence int64
	Limit         int
}

type Reconcile struct{ target }

func (CheckBalance) Name() Name     { return NameCheckBalance }
func (Reserve) Name() Name          { return NameReserve }
func (Consume) Name() Name          { return NameConsume }
func (Refund) Name() Name           { return NameRefund }
func (RefillMonthly) Name() Name    { return NameRefillMonthly }
func (CreateJob) Name() Name        { return NameCreateJob }
func (CancelJob) Name() Name        { return NameCancelJob }
func (Grant) Name() Name            { return NameGrant }
func (AdminAdjust) Name() Name      { return NameAdminAdjust }
func (ListTransactions) Name() Name { return NameListTransactions }
func (Reconcile) Name() Name        { return NameReconcile }

// Parse validates the payload for the requested action and returns its command.
func Parse(request Request) (Command, error) {
	name := Name(strings.ToLower(strings.TrimSpace(request.Action)))
	if !name.known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, request.Action)
	}
	account, err := ledger.ParseAccountKey(request.UserID, request.Environment)
	if err != nil {
		return nil, err
	}
	base := target{account: account}
	switch name {
	case NameCheckBalance:
		return CheckBalance{target: base}, nil
	case NameRefillMonthly:
		return RefillMonthly{target: base}, nil
	case NameReconcile:
		return Reconcile{target: base}, nil
	case NameListTransactions:
		if _, err := ledger.NormalizeListLimit(request.Limit); err != nil {
			return nil, err
		}
		if request.AfterSequence < 0 {
			return nil, fmt.Errorf("%w: negative cursor", ledger.ErrInvalidListLimit)
		}
		return ListTransactions{target: base, AfterSequence: request.AfterSequence, Limit: request.Limit}, nil
	case NameGrant:
		return parseGrant(base, request)
	case NameAdminAdjust:
		return parseAdminAdjust(base, request)
	}

	jobID, err := ledger.NewJobID(request.JobID)
	if err != nil {
		return nil, err
	}
	switch name {
	case NameCreateJob:
		return CreateJob{target: base, JobID: jobID}, nil
	case NameCancelJob:
		return CancelJob{target: base, JobID: jobID}, nil
	}

	metadata, err := parseMetadata(request.Metadata)
	if err != nil {
		return nil, err
	}
	description := strings.TrimSpace(request.Description)
	switch name {
	case NameReserve:
		amount, err := ledger.NewPositiveCredits(request.Amount)
		if err != nil {
			return nil, err
		}
		return Reserve{target: base, JobID: jobID, Amount: amount, Description: description, Metadata: metadata}, nil
	case NameConsume:
		return Consume{target: base, JobID: jobID, Description: description, Metadata: metadata}, nil
	default:
		return Refund{target: base, JobID: jobID, Description: description, Metadata: metadata}, nil
	}
}

func parseGrant(base target, request Request) (Command, error) {
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		return nil, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	metadata, err := parseMetadata(request.Metadata)
	if err != nil {
		return nil, err
	}
	return Grant{
		target:         base,
		Amount:         amount,
		ReferenceID:    strings.TrimSpace(request.ReferenceID),
		IdempotencyKey: idempotencyKey,
		Description:    strings.TrimSpace(request.Description),
		Metadata:       metadata,
	}, nil
}

func parseAdminAdjust(base target, request Request) (Command, error) {
	delta, err := ledger.NewCreditDelta(request.Amount)
	if err != nil {
		return nil, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	metadata, err := parseMetadata(request.Metadata)
	if err != nil {
		return nil, err
	}
	return AdminAdjust{
		target:         base,
		Delta:          delta,
		IdempotencyKey: idempotencyKey,
		Reason:         strings.TrimSpace(request.Description),
		Metadata:       metadata,
	}, nil
}

func parseMetadata(raw json.RawMessage) (ledger.MetadataJSON, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ledger.EmptyMetadata(), nil
	}
	return ledger.NewMetadataJSON(trimmed)
}

func (name Name) known() bool {
	switch name {
	case NameCheckBalance, NameReserve, NameConsume, NameRefund, NameRefillMonthly,
		NameCreateJob, NameCancelJob, NameGrant, NameAdminAdjust, NameListTransactions, NameReconcile:
		return true
	default:
		return false
	}
}
