package broker

import "context"

// Gateway is one API-key bound client of the brokerage. Session-scoped calls
// take the access token explicitly so a single client serves every session
// of its account.
type Gateway interface {
	CreateSession(ctx context.Context, creds Credentials) (Session, error)
	// RefreshSession exchanges the refresh token of current for a new
	// session. The (possibly expired) access token is sent along when set.
	RefreshSession(ctx context.Context, current Session) (Session, error)

	OrderBook(ctx context.Context, accessToken string) ([]Order, error)
	Positions(ctx context.Context, accessToken string) ([]Position, error)
	Margin(ctx context.Context, accessToken string) (Margin, error)

	PlaceOrder(ctx context.Context, accessToken string, req PlaceOrderRequest) (string, error)
	ModifyOrder(ctx context.Context, accessToken string, req ModifyOrderRequest) error
	CancelOrder(ctx context.Context, accessToken string, req CancelOrderRequest) error

	// SearchInstrument resolves a trading symbol to the broker's instrument token.
	SearchInstrument(ctx context.Context, accessToken, exchange, symbol string) (string, error)
}
