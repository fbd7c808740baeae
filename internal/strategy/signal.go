package strategy

import (
	"fmt"
	"strings"
	"time"

	"tradebot-engine/internal/exchange"
	"tradebot-engine/internal/indicators"
)

// Action is the decision of one evaluation
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side maps a trading action to an order side. HOLD has no side.
func (a Action) Side() exchange.Side {
	if a == ActionSell {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// ResultKind distinguishes the outcomes of an evaluation
type ResultKind int

const (
	ResultHold ResultKind = iota
	ResultSignal
	ResultInsufficientData
)

func (k ResultKind) String() string {
	switch k {
	case ResultSignal:
		return "signal"
	case ResultInsufficientData:
		return "insufficient_data"
	default:
		return "hold"
	}
}

// Position is an open position as seen by the signal generator
type Position struct {
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	EntryPrice float64       `json:"entry_price"`
	Quantity   float64       `json:"quantity"`
	OpenedAt   time.Time     `json:"opened_at"`
}

// TradingSignal is the actionable output of one cycle
type TradingSignal struct {
	Action     Action    `json:"action"`
	Symbol     string    `json:"symbol"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Exit       bool      `json:"exit"` // Closes existing positions
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot holds the indicator values an evaluation used
type Snapshot struct {
	RSI       float64 `json:"rsi"`
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"macd_signal"`
	Histogram float64 `json:"macd_histogram"`
	SMA       float64 `json:"sma"`
	Imbalance float64 `json:"order_book_imbalance"`
}

// Result is the outcome of an evaluation. Signal is only meaningful when Kind is ResultSignal.
type Result struct {
	Kind       ResultKind
	Signal     TradingSignal
	Indicators Snapshot
	Reason     string
}

// Action returns the signal action, or HOLD for non-signal results
func (r Result) Action() Action {
	if r.Kind != ResultSignal {
		return ActionHold
	}
	return r.Signal.Action
}

// Input is everything the generator sees for one cycle
type Input struct {
	Ticker    *exchange.Ticker
	Candles   []exchange.Candle
	OrderBook *exchange.OrderBook
	Config    Config
	Equity    float64 // Account value in quote asset
	Positions []Position
}

// Generator evaluates the shared indicator pipeline for any preset.
// It holds no state; the zero value is ready to use.
type Generator struct{}

// NewGenerator creates a signal generator
func NewGenerator() *Generator {
	return &Generator{}
}

func hold(reason string) Result {
	return Result{Kind: ResultHold, Reason: reason}
}

// Evaluate produces the decision for one cycle
func (g *Generator) Evaluate(in Input) Result {
	cfg := in.Config
	if in.Ticker == nil || in.Ticker.Price <= 0 {
		return hold("no price")
	}
	price := in.Ticker.Price

	if exit, ok := checkExits(in, price); ok {
		return exit
	}

	if need := cfg.RequiredCandles(); len(in.Candles) < need {
		return Result{
			Kind:   ResultInsufficientData,
			Reason: fmt.Sprintf("need %d candles, have %d", need, len(in.Candles)),
		}
	}

	closes := indicators.Closes(in.Candles)
	rsi, okRSI := indicators.RSI(closes, cfg.RSIPeriod)
	macd, okMACD := indicators.MACD(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	sma, okSMA := indicators.SMA(closes, cfg.SMAPeriod)
	if !okRSI || !okMACD || !okSMA {
		return Result{Kind: ResultInsufficientData, Reason: "indicator lookback not satisfied"}
	}

	snap := Snapshot{
		RSI:       rsi,
		MACD:      macd.MACD,
		Signal:    macd.Signal,
		Histogram: macd.Histogram,
		SMA:       sma,
		Imbalance: in.OrderBook.Imbalance(),
	}

	bull, bear, reasons := score(cfg, snap, macd, price)
	total := cfg.RSIWeight + cfg.MACDWeight + cfg.TrendWeight + cfg.OrderBookWeight
	if total <= 0 {
		res := hold("strategy has no indicator weights")
		res.Indicators = snap
		return res
	}
	bullConf := clamp(bull/total, 0, 1)
	bearConf := clamp(bear/total, 0, 1)
	why := strings.Join(reasons, ", ")

	held := heldQuantity(in.Positions, cfg.Symbol, exchange.SideBuy)

	switch {
	case bullConf > bearConf && bullConf >= cfg.MinConfidence:
		qty := positionSize(cfg, in.Equity, price, held)
		if qty <= 0 {
			res := hold("position limit reached or no equity")
			res.Indicators = snap
			return res
		}
		return Result{
			Kind: ResultSignal,
			Signal: TradingSignal{
				Action:     ActionBuy,
				Symbol:     cfg.Symbol,
				Quantity:   qty,
				Price:      price,
				Confidence: bullConf,
				Reason:     why,
				StopLoss:   price * (1 - cfg.StopLoss),
				TakeProfit: price * (1 + cfg.TakeProfit),
				Timestamp:  time.Now(),
			},
			Indicators: snap,
			Reason:     why,
		}

	case bearConf > bullConf && bearConf >= cfg.MinConfidence:
		if held <= 0 {
			res := hold("bearish but nothing to sell")
			res.Indicators = snap
			return res
		}
		return Result{
			Kind: ResultSignal,
			Signal: TradingSignal{
				Action:     ActionSell,
				Symbol:     cfg.Symbol,
				Quantity:   held,
				Price:      price,
				Confidence: bearConf,
				Reason:     why,
				Exit:       true,
				Timestamp:  time.Now(),
			},
			Indicators: snap,
			Reason:     why,
		}
	}

	res := hold(fmt.Sprintf("no consensus (bull %.2f, bear %.2f): %s", bullConf, bearConf, why))
	res.Indicators = snap
	return res
}

// score weighs indicator agreement into bullish and bearish totals
func score(cfg Config, snap Snapshot, macd indicators.MACDResult, price float64) (bull, bear float64, reasons []string) {
	switch {
	case snap.RSI <= cfg.RSIOversold:
		bull += cfg.RSIWeight
		reasons = append(reasons, fmt.Sprintf("RSI oversold %.1f", snap.RSI))
	case snap.RSI >= cfg.RSIOverbought:
		bear += cfg.RSIWeight
		reasons = append(reasons, fmt.Sprintf("RSI overbought %.1f", snap.RSI))
	case snap.RSI < 50:
		bull += cfg.RSIWeight * (50 - snap.RSI) / (50 - cfg.RSIOversold) * 0.5
	case snap.RSI > 50:
		bear += cfg.RSIWeight * (snap.RSI - 50) / (cfg.RSIOverbought - 50) * 0.5
	}

	switch {
	case macd.BullishCrossover():
		bull += cfg.MACDWeight
		reasons = append(reasons, "MACD bullish crossover")
	case macd.BearishCrossover():
		bear += cfg.MACDWeight
		reasons = append(reasons, "MACD bearish crossover")
	case macd.Histogram > 0:
		bull += cfg.MACDWeight * 0.5
	case macd.Histogram < 0:
		bear += cfg.MACDWeight * 0.5
	}

	if price > snap.SMA {
		bull += cfg.TrendWeight
		reasons = append(reasons, fmt.Sprintf("price above SMA%d", cfg.SMAPeriod))
	} else if price < snap.SMA {
		bear += cfg.TrendWeight
		reasons = append(reasons, fmt.Sprintf("price below SMA%d", cfg.SMAPeriod))
	}

	if snap.Imbalance > 0 {
		bull += cfg.OrderBookWeight * snap.Imbalance
	} else if snap.Imbalance < 0 {
		bear += cfg.OrderBookWeight * -snap.Imbalance
	}

	return bull, bear, reasons
}

// positionSize is riskPerTrade*equity/stopLossDistance, capped so total exposure stays within maxPositionSize
func positionSize(cfg Config, equity, price, held float64) float64 {
	if equity <= 0 || price <= 0 || cfg.StopLoss <= 0 {
		return 0
	}
	stopDistance := price * cfg.StopLoss
	qty := cfg.RiskPerTrade * equity / stopDistance

	capQty := cfg.MaxPositionSize*equity/price - held
	if capQty <= 0 {
		return 0
	}
	if qty > capQty {
		qty = capQty
	}
	return qty
}

// checkExits closes positions whose stop-loss or take-profit has been crossed
func checkExits(in Input, price float64) (Result, bool) {
	cfg := in.Config
	for _, side := range []exchange.Side{exchange.SideBuy, exchange.SideSell} {
		var qty float64
		var reason string
		for _, p := range in.Positions {
			if p.Symbol != cfg.Symbol || p.Side != side || p.EntryPrice <= 0 {
				continue
			}
			move := (price - p.EntryPrice) / p.EntryPrice
			if side == exchange.SideSell {
				move = -move
			}
			switch {
			case cfg.StopLoss > 0 && move <= -cfg.StopLoss:
				qty += p.Quantity
				reason = fmt.Sprintf("stop-loss hit at %.4f (entry %.4f)", price, p.EntryPrice)
			case cfg.TakeProfit > 0 && move >= cfg.TakeProfit:
				qty += p.Quantity
				if reason == "" {
					reason = fmt.Sprintf("take-profit hit at %.4f (entry %.4f)", price, p.EntryPrice)
				}
			}
		}
		if qty > 0 {
			action := ActionSell
			if side == exchange.SideSell {
				action = ActionBuy
			}
			return Result{
				Kind: ResultSignal,
				Signal: TradingSignal{
					Action:     action,
					Symbol:     cfg.Symbol,
					Quantity:   qty,
					Price:      price,
					Confidence: 1,
					Reason:     reason,
					Exit:       true,
					Timestamp:  time.Now(),
				},
				Reason: reason,
			}, true
		}
	}
	return Result{}, false
}

func heldQuantity(positions []Position, symbol string, side exchange.Side) float64 {
	var qty float64
	for _, p := range positions {
		if p.Symbol == symbol && p.Side == side {
			qty += p.Quantity
		}
	}
	return qty
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
