package interceptor

import (
	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/store"
)

// ExchangeStore reports the exchange to a store when the request is
// received and again when it finishes. Store failures never fail the
// exchange.
type ExchangeStore struct {
	core.Base
	store store.Store
}

// NewExchangeStore creates the exchange-store interceptor.
func NewExchangeStore(s store.Store) *ExchangeStore {
	if s == nil {
		s = store.Nop{}
	}
	return &ExchangeStore{Base: core.Base{ID: "exchangeStore"}, store: s}
}

// HandleRequest records the received exchange.
func (s *ExchangeStore) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	s.Record(exc)
	return core.Continue, nil
}

// Record saves exc now and again when it finishes. It serves exchanges
// that never reach this interceptor, such as requests no rule matches.
func (s *ExchangeStore) Record(exc *core.Exchange) {
	s.save(exc)
	exc.OnFinish(func() { s.save(exc) })
}

func (s *ExchangeStore) save(exc *core.Exchange) {
	if err := s.store.Save(exc.Context(), store.NewRecord(exc)); err != nil {
		exc.Logger().Warn("failed to record exchange", observability.Error(err))
	}
}
