package domain

// Principal is the authenticated caller as reported by the identity provider.
type Principal struct {
	BuyerID int64
	Email   string
	Admin   bool
}
