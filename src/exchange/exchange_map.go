package exchange

import (
	"fmt"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

// ExchangeMap owns every exchange of a simulation and a flat lookup from asset id to asset. It is the single
// place market prices are read from.
type ExchangeMap struct {
	exchanges   map[string]*Exchange
	exchangeIDs []string
	assets      map[string]*asset.Asset
	onClose     bool
}

func (m *ExchangeMap) NewExchange(id string) (*Exchange, error) {
	if _, ok := m.exchanges[id]; ok {
		return nil, fmt.Errorf("ExchangeMap.NewExchange: %s: %w", id, models.ErrAlreadyExists)
	}

	e := NewExchange(id)
	m.exchanges[id] = e
	m.exchangeIDs = append(m.exchangeIDs, id)

	return e, nil
}

func (m *ExchangeMap) GetExchange(id string) (*Exchange, error) {
	e, ok := m.exchanges[id]
	if !ok {
		return nil, fmt.Errorf("ExchangeMap.GetExchange: %s: %w", id, models.ErrInvalidId)
	}

	return e, nil
}

// Exchanges returns the exchanges in creation order.
func (m *ExchangeMap) Exchanges() []*Exchange {
	exchanges := make([]*Exchange, 0, len(m.exchangeIDs))
	for _, id := range m.exchangeIDs {
		exchanges = append(exchanges, m.exchanges[id])
	}

	return exchanges
}

// RegisterAsset adds an asset to the exchange named by its ExchangeID. Asset ids are unique across
// exchanges.
func (m *ExchangeMap) RegisterAsset(a *asset.Asset) error {
	if _, ok := m.assets[a.ID]; ok {
		return fmt.Errorf("ExchangeMap.RegisterAsset: %s: %w", a.ID, models.ErrAlreadyExists)
	}

	e, err := m.GetExchange(a.ExchangeID)
	if err != nil {
		return fmt.Errorf("ExchangeMap.RegisterAsset: %s: %w", a.ID, err)
	}

	if err := e.RegisterAsset(a); err != nil {
		return fmt.Errorf("ExchangeMap.RegisterAsset: %w", err)
	}

	m.assets[a.ID] = a
	return nil
}

// RegisterIndexAsset registers the index on one exchange, or on every exchange when exchangeID is empty.
func (m *ExchangeMap) RegisterIndexAsset(a *asset.Asset, exchangeID string) error {
	if exchangeID != "" {
		e, err := m.GetExchange(exchangeID)
		if err != nil {
			return fmt.Errorf("ExchangeMap.RegisterIndexAsset: %w", err)
		}

		return e.RegisterIndexAsset(a)
	}

	for _, e := range m.Exchanges() {
		if err := e.RegisterIndexAsset(a); err != nil {
			return fmt.Errorf("ExchangeMap.RegisterIndexAsset: %w", err)
		}
	}

	return nil
}

func (m *ExchangeMap) GetAsset(assetID string) (*asset.Asset, error) {
	a, ok := m.assets[assetID]
	if !ok {
		return nil, fmt.Errorf("ExchangeMap.GetAsset: %s: %w", assetID, models.ErrInvalidId)
	}

	return a, nil
}

// RemoveAsset drops an asset from the lookup and from its exchange's active set.
func (m *ExchangeMap) RemoveAsset(assetID string) error {
	a, ok := m.assets[assetID]
	if !ok {
		return fmt.Errorf("ExchangeMap.RemoveAsset: %s: %w", assetID, models.ErrInvalidId)
	}

	delete(m.assets, assetID)

	e, err := m.GetExchange(a.ExchangeID)
	if err != nil {
		return fmt.Errorf("ExchangeMap.RemoveAsset: %w", err)
	}

	// already moved out when it expired
	if _, err := e.Asset(assetID); err != nil {
		return nil
	}

	return e.RemoveAsset(assetID)
}

// MarketPrice reads the open or close of an asset depending on the current phase of the bar. It is 0 when
// the asset is unknown or not streaming.
func (m *ExchangeMap) MarketPrice(assetID string) float64 {
	a, ok := m.assets[assetID]
	if !ok {
		return 0
	}

	e, ok := m.exchanges[a.ExchangeID]
	if !ok {
		return 0
	}

	return e.MarketPrice(assetID)
}

func (m *ExchangeMap) IsStreaming(assetID string) bool {
	a, ok := m.assets[assetID]
	if !ok {
		return false
	}

	e, ok := m.exchanges[a.ExchangeID]
	return ok && e.IsStreaming(assetID)
}

func (m *ExchangeMap) SetOnClose(onClose bool) {
	m.onClose = onClose
	for _, e := range m.exchanges {
		e.SetOnClose(onClose)
	}
}

func (m *ExchangeMap) OnClose() bool {
	return m.onClose
}

func (m *ExchangeMap) Build() error {
	for _, e := range m.Exchanges() {
		if err := e.Build(); err != nil {
			return fmt.Errorf("ExchangeMap.Build: %w", err)
		}
	}

	return nil
}

// Reset rewinds every exchange and restores removed assets to the lookup.
func (m *ExchangeMap) Reset() error {
	m.assets = make(map[string]*asset.Asset)

	for _, e := range m.Exchanges() {
		if err := e.Reset(); err != nil {
			return fmt.Errorf("ExchangeMap.Reset: %w", err)
		}

		for _, a := range e.Assets() {
			m.assets[a.ID] = a
		}
	}

	m.SetOnClose(false)
	return nil
}

func NewExchangeMap() *ExchangeMap {
	return &ExchangeMap{
		exchanges: make(map[string]*Exchange),
		assets:    make(map[string]*asset.Asset),
	}
}
