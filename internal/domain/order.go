package domain

// ClientOrder is a scaled order ready for execution against one client
// account. Produced by the dispatcher, consumed by the executor.
type ClientOrder struct {
	AccountID   string
	Credentials Credentials
	Symbol      string
	Side        OrderSide
	Qty         float64
	MasterQty   float64
	OrderID     string
}
