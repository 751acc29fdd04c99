package events

import (
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
)

// Event enumerates topics inside the copy engine.
type Event string

const (
	EventAccountSnapshot   Event = "account.snapshot"
	EventOrderUpdate       Event = "order.update"
	EventCopySucceeded     Event = "copy.succeeded"
	EventCopyFailed        Event = "copy.failed"
	EventAuthRequired      Event = "account.auth_required"
	EventCopyStatusChanged Event = "account.copy_status"
	EventAccountLinked     Event = "account.linked"
)

// AccountSnapshot is the latest broker view of one account.
type AccountSnapshot struct {
	AccountID string            `json:"accountId"`
	Orders    []broker.Order    `json:"orders"`
	Positions []broker.Position `json:"positions"`
	Balance   db.Balance        `json:"balance"`
}

// OrderUpdate reports a detected change on one order of AccountID.
type OrderUpdate struct {
	AccountID string       `json:"accountId"`
	Order     broker.Order `json:"order"`
}

type CopyAction string

const (
	ActionPlace    CopyAction = "place"
	ActionModify   CopyAction = "modify"
	ActionCancel   CopyAction = "cancel"
	ActionComplete CopyAction = "complete"
)

// CopyOutcome is the result of one copy operation for one child.
type CopyOutcome struct {
	Action          CopyAction `json:"action"`
	ParentAccountID string     `json:"parentAccountId"`
	ChildAccountID  string     `json:"childAccountId"`
	ParentOrderID   string     `json:"parentOrderId"`
	ChildOrderID    string     `json:"childOrderId,omitempty"`
	Symbol          string     `json:"symbol"`
	Quantity        int        `json:"quantity,omitempty"`
	Error           string     `json:"error,omitempty"`
}

type AuthRequired struct {
	AccountID string `json:"accountId"`
	Reason    string `json:"reason"`
}

type CopyStatusChanged struct {
	AccountID string `json:"accountId"`
	Enabled   bool   `json:"enabled"`
}

type AccountLinked struct {
	ChildAccountID  string `json:"childAccountId"`
	ParentAccountID string `json:"parentAccountId"`
}
