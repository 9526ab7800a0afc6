package trade

import "github.com/go-chi/chi/v5"

// Routes registers the request/response API on r. The WebSocket endpoint
// is mounted separately since it must not sit behind a request timeout.
func (s *Service) Routes(r chi.Router) {
	// Market data.
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/book", s.GetBook)
	r.Post("/markets/{marketID}/price", s.SetPrice)

	// Order ticket.
	r.Post("/quote", s.Quote)
	r.Post("/orders", s.PlaceOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	// Account queries.
	r.Get("/account", s.GetAccount)
	r.Get("/positions/{marketID}", s.GetPosition)
	r.Get("/portfolio", s.GetPortfolio)

	// Wallet.
	r.Post("/wallet/deposit", s.Deposit)
	r.Post("/wallet/withdraw", s.Withdraw)
	r.Post("/account/reset", s.Reset)
}
