package session

import "time"

// Ticker источник секундных тиков длительности вызова
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory создаёт Ticker с заданным периодом
type TickerFactory func(d time.Duration) Ticker

type stdTicker struct {
	t *time.Ticker
}

func (t stdTicker) C() <-chan time.Time { return t.t.C }
func (t stdTicker) Stop()               { t.t.Stop() }

// NewStdTicker TickerFactory на основе time.Ticker
func NewStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}
