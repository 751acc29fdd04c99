package db

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountParent AccountType = "PARENT"
	AccountChild  AccountType = "CHILD"
)

type AccountStatus string

const (
	StatusActive       AccountStatus = "ACTIVE"
	StatusInactive     AccountStatus = "INACTIVE"
	StatusDisconnected AccountStatus = "DISCONNECTED"
)

type AuthStatus string

const (
	AuthActive       AuthStatus = "ACTIVE"
	AuthRequiresAuth AuthStatus = "REQUIRES_AUTH"
	AuthDisabled     AuthStatus = "DISABLED"
)

// Default copy settings applied when a stored value is missing.
const (
	DefaultCopyRatio       = 1.0
	DefaultMaxPositionSize = 10.0
	DefaultRiskLimit       = 2.0
)

// Settings are the per-account copy parameters.
type Settings struct {
	CopyRatio          float64  `json:"copyRatio" yaml:"copy_ratio"`
	MaxPositionSize    float64  `json:"maxPositionSize" yaml:"max_position_size"` // percent of net balance
	RiskLimit          float64  `json:"riskLimit" yaml:"risk_limit"`
	AllowedInstruments []string `json:"allowedInstruments" yaml:"allowed_instruments"`
}

// DefaultSettings returns the settings a new account starts with.
func DefaultSettings() Settings {
	return Settings{
		CopyRatio:       DefaultCopyRatio,
		MaxPositionSize: DefaultMaxPositionSize,
		RiskLimit:       DefaultRiskLimit,
	}
}

// Balance is the last margin snapshot pulled from the broker.
type Balance struct {
	Net       float64 `json:"net"`
	Used      float64 `json:"used"`
	Available float64 `json:"available"`
}

// Tokens is a brokerage session. IssuedAt is zero when unknown.
type Tokens struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	FeedToken    string    `json:"-"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// Credentials hold ENC[vN] ciphertexts, never plaintext.
type Credentials struct {
	Password string
	TOTP     string
	APIKey   string
}

// Account is a brokerage login, either a PARENT (signal source) or a CHILD
// that copies exactly one parent.
type Account struct {
	ID                 string        `json:"id"`
	ClientCode         string        `json:"clientCode"`
	Name               string        `json:"name"`
	AccountType        AccountType   `json:"accountType"`
	Status             AccountStatus `json:"status"`
	AuthStatus         AuthStatus    `json:"authStatus"`
	ParentAccountID    string        `json:"parentAccountId,omitempty"`
	CopyTradingEnabled bool          `json:"copyTradingEnabled"`
	Settings           Settings      `json:"settings"`
	Balance            Balance       `json:"balance"`
	Tokens             Tokens        `json:"tokens"`
	Credentials        Credentials   `json:"-"`
	LastSync           time.Time     `json:"lastSync"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

func (a Account) IsParent() bool { return a.AccountType == AccountParent }

// CopyEligible reports whether a is a child that may receive copies from parentID.
func (a Account) CopyEligible(parentID string) bool {
	return a.AccountType == AccountChild &&
		a.ParentAccountID == parentID &&
		a.CopyTradingEnabled &&
		a.Status == StatusActive &&
		a.AuthStatus == AuthActive
}

// AllowsInstrument reports whether symbol passes the allow-list. An empty
// list allows everything.
func (s Settings) AllowsInstrument(symbol string) bool {
	if len(s.AllowedInstruments) == 0 {
		return true
	}
	for _, allowed := range s.AllowedInstruments {
		if strings.EqualFold(strings.TrimSpace(allowed), symbol) {
			return true
		}
	}
	return false
}

type RelationStatus string

const (
	// RelationPending marks a claimed (parent order, child account) pair whose
	// child order has not been placed yet.
	RelationPending   RelationStatus = "PENDING"
	RelationPlaced    RelationStatus = "PLACED"
	RelationModified  RelationStatus = "MODIFIED"
	RelationCancelled RelationStatus = "CANCELLED"
	RelationComplete  RelationStatus = "COMPLETE"
)

// IsTerminal reports whether no further transition is allowed.
func (s RelationStatus) IsTerminal() bool {
	return s == RelationCancelled || s == RelationComplete
}

// OrderRelation links one parent order to the child order copied from it.
type OrderRelation struct {
	ID              string          `json:"id"`
	ParentOrderID   string          `json:"parentOrderId"`
	ChildOrderID    string          `json:"childOrderId"`
	ParentAccountID string          `json:"parentAccountId"`
	ChildAccountID  string          `json:"childAccountId"`
	Symbol          string          `json:"symbol"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	TransactionType string          `json:"transactionType"`
	Status          RelationStatus  `json:"status"`
	CopyRatio       float64         `json:"copyRatio"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastUpdated     time.Time       `json:"lastUpdated"`
}
