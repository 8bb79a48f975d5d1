// Package binance implements venue.Adapter for Binance, adapted from
// cryptorun's internal/providers/adapters/binance.go: same REST base URL,
// klines endpoint, and raw-array kline decoding, with the provider-guard
// cache/PIT-header plumbing dropped (this core persists closed candles
// itself and has no use for response caching) in favor of the shared
// internal/net/ratelimit and internal/net/circuit guards. The live feed is
// new, grounded on kraken's websocket.go loop shape.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ingestcore/marketdata/internal/candle"
	"github.com/ingestcore/marketdata/internal/ingesterr"
	"github.com/ingestcore/marketdata/internal/net/circuit"
	"github.com/ingestcore/marketdata/internal/net/ratelimit"
)

const venueName = "binance"

// restInterval maps a canonical timeframe to Binance's REST/WS interval
// string, which happens to already match our own (1m, 5m, 15m, 1h, 4h, 1d).
func restInterval(tf candle.Timeframe) (string, bool) {
	switch tf {
	case candle.TF1m, candle.TF5m, candle.TF15m, candle.TF1h, candle.TF4h, candle.TF1d:
		return string(tf), true
	default:
		return "", false
	}
}

// Adapter is Binance's venue.Adapter implementation.
type Adapter struct {
	restURL string
	wsBase  string

	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *circuit.Breaker
	log        zerolog.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	pendingStreams string
	msgs           chan candle.Candle
	readErr        chan error
}

// Config configures a Binance adapter instance.
type Config struct {
	RESTURL string
	WSBase  string
	Limiter *ratelimit.Limiter
	Breaker *circuit.Breaker
	Logger  zerolog.Logger
}

// New builds a Binance adapter.
func New(cfg Config) *Adapter {
	if cfg.RESTURL == "" {
		cfg.RESTURL = "https://api.binance.com/api/v3"
	}
	if cfg.WSBase == "" {
		cfg.WSBase = "wss://stream.binance.com:9443/stream"
	}
	return &Adapter{
		restURL:    cfg.RESTURL,
		wsBase:     cfg.WSBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    cfg.Limiter,
		breaker:    cfg.Breaker,
		log:        cfg.Logger,
	}
}

// Name implements venue.Adapter.
func (a *Adapter) Name() string { return venueName }

// NativeCandleTimeframes implements venue.NativeTimeframes: Binance's kline
// stream and REST /klines are true OHLC for every supported timeframe.
func (a *Adapter) NativeCandleTimeframes() []candle.Timeframe {
	return []candle.Timeframe{candle.TF1m, candle.TF5m, candle.TF15m, candle.TF1h, candle.TF4h, candle.TF1d}
}

// ConnectStream implements venue.Adapter. Binance's combined-stream
// endpoint takes the stream names as a query parameter, so the connection
// and the subscription happen together here; Subscribe only records the
// requested streams for ConnectStream to use, matching the Adapter
// contract's connect-then-subscribe ordering via a pending-subscription
// field set by Subscribe before ConnectStream is called.
func (a *Adapter) ConnectStream(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}
	if a.pendingStreams == "" {
		return &ingesterr.FatalError{Reason: "binance: ConnectStream called before Subscribe"}
	}

	u := fmt.Sprintf("%s?streams=%s", a.wsBase, a.pendingStreams)
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return &ingesterr.TransportError{Venue: venueName, Op: "connect_stream", Err: err}
	}

	a.conn = conn
	a.msgs = make(chan candle.Candle, 256)
	a.readErr = make(chan error, 1)
	go a.readLoop()
	return nil
}

// Subscribe implements venue.Adapter by building the combined-stream query
// string Binance expects: "<symbol>@kline_<interval>" pairs joined by "/".
// It must be called before ConnectStream.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string, timeframes []candle.Timeframe) error {
	var streams []string
	for _, sym := range symbols {
		for _, tf := range timeframes {
			interval, ok := restInterval(tf)
			if !ok {
				return &ingesterr.FatalError{Reason: fmt.Sprintf("binance: unsupported timeframe %q", tf)}
			}
			streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(sym), interval))
		}
	}
	a.mu.Lock()
	a.pendingStreams = strings.Join(streams, "/")
	a.mu.Unlock()
	return nil
}

// NextMessage implements venue.Adapter.
func (a *Adapter) NextMessage(ctx context.Context) (candle.Candle, error) {
	select {
	case <-ctx.Done():
		return candle.Candle{}, ctx.Err()
	case c, ok := <-a.msgs:
		if !ok {
			return candle.Candle{}, &ingesterr.TransportError{Venue: venueName, Op: "next_message", Err: fmt.Errorf("stream closed")}
		}
		return c, nil
	case err := <-a.readErr:
		return candle.Candle{}, &ingesterr.TransportError{Venue: venueName, Op: "next_message", Err: err}
	}
}

// Close implements venue.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

func (a *Adapter) readLoop() {
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case a.readErr <- err:
			default:
			}
			return
		}

		c, ok, err := parseCombinedKline(data)
		if err != nil {
			a.log.Warn().Err(err).Msg("binance: discarding unparsable ws message")
			continue
		}
		if !ok {
			continue
		}
		c.Venue = venueName
		c.Source = candle.SourceLive
		c.IngestTimeMs = time.Now().UnixMilli()
		select {
		case a.msgs <- c:
		default:
			a.log.Warn().Msg("binance: message buffer full, dropping candle")
		}
	}
}

type binanceCombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceKlineEvent struct {
	EventType string        `json:"e"`
	Symbol    string        `json:"s"`
	Kline     binanceKline  `json:"k"`
}

type binanceKline struct {
	OpenTimeMs  int64  `json:"t"`
	CloseTimeMs int64  `json:"T"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	TradesCount int64  `json:"n"`
	IsClosed    bool   `json:"x"`
	QuoteVolume string `json:"q"`
}

func parseCombinedKline(data []byte) (candle.Candle, bool, error) {
	var env binanceCombinedMessage
	if err := json.Unmarshal(data, &env); err != nil || len(env.Data) == 0 {
		return candle.Candle{}, false, nil
	}
	var ev binanceKlineEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return candle.Candle{}, false, fmt.Errorf("unmarshal kline event: %w", err)
	}
	if ev.EventType != "kline" {
		return candle.Candle{}, false, nil
	}

	tf := candle.Timeframe(ev.Kline.Interval)
	if !tf.Valid() {
		return candle.Candle{}, false, fmt.Errorf("binance: unknown interval %q", ev.Kline.Interval)
	}

	open, _ := strconv.ParseFloat(ev.Kline.Open, 64)
	high, _ := strconv.ParseFloat(ev.Kline.High, 64)
	low, _ := strconv.ParseFloat(ev.Kline.Low, 64)
	closeP, _ := strconv.ParseFloat(ev.Kline.Close, 64)
	volume, _ := strconv.ParseFloat(ev.Kline.Volume, 64)
	quoteVol, _ := strconv.ParseFloat(ev.Kline.QuoteVolume, 64)
	tradesCount := ev.Kline.TradesCount

	c := candle.Candle{
		Symbol:      ev.Symbol,
		Timeframe:   tf,
		OpenTimeMs:  ev.Kline.OpenTimeMs,
		CloseTimeMs: ev.Kline.CloseTimeMs,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closeP,
		Volume:      volume,
		QuoteVolume: &quoteVol,
		TradesCount: &tradesCount,
		IsClosed:    ev.Kline.IsClosed,
	}
	return c, true, nil
}

// FetchRange implements venue.Adapter, paginating Binance's REST
// GET /klines?symbol=&interval=&startTime=&endTime=&limit= endpoint.
func (a *Adapter) FetchRange(ctx context.Context, symbol string, tf candle.Timeframe, startMs, endMs int64) ([]candle.Candle, error) {
	interval, ok := restInterval(tf)
	if !ok {
		return nil, &ingesterr.FatalError{Reason: fmt.Sprintf("binance: unsupported timeframe %q", tf)}
	}

	const pageLimit = 1000
	var out []candle.Candle
	cursor := startMs

	for cursor < endMs {
		if err := a.limiter.Wait(ctx); err != nil {
			return out, &ingesterr.TransportError{Venue: venueName, Op: "fetch_range", Err: err}
		}

		var body []byte
		err := a.breaker.Call(ctx, func(ctx context.Context) error {
			u := fmt.Sprintf("%s/klines?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
				a.restURL, url.QueryEscape(symbol), interval, cursor, endMs-1, pageLimit)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			resp, err := a.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
				a.limiter.ReportTooManyRequests()
				return &ingesterr.RateLimitError{Venue: venueName}
			}
			if resp.StatusCode != http.StatusOK {
				b, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("binance: HTTP %d: %s", resp.StatusCode, string(b))
			}
			body, err = io.ReadAll(resp.Body)
			return err
		})
		if err != nil {
			if _, ok := err.(*ingesterr.RateLimitError); ok {
				return out, err
			}
			return out, &ingesterr.TransportError{Venue: venueName, Op: "fetch_range", Err: err}
		}

		var rawKlines [][]json.RawMessage
		if err := json.Unmarshal(body, &rawKlines); err != nil {
			return out, &ingesterr.PayloadError{Venue: venueName, Err: err}
		}
		if len(rawKlines) == 0 {
			break
		}

		var maxOpen int64
		for _, raw := range rawKlines {
			c, err := decodeRESTKline(raw, symbol, tf)
			if err != nil {
				return out, &ingesterr.PayloadError{Venue: venueName, Err: err}
			}
			if c.OpenTimeMs > maxOpen {
				maxOpen = c.OpenTimeMs
			}
			c.Venue = venueName
			c.Source = candle.SourceREST
			c.IsClosed = true
			c.IngestTimeMs = time.Now().UnixMilli()
			out = append(out, c)
		}

		if len(rawKlines) < pageLimit || maxOpen+tf.Millis() <= cursor {
			break
		}
		cursor = maxOpen + tf.Millis()
	}

	return out, nil
}

func decodeRESTKline(raw []json.RawMessage, symbol string, tf candle.Timeframe) (candle.Candle, error) {
	if len(raw) < 9 {
		return candle.Candle{}, fmt.Errorf("binance: kline row too short")
	}
	var openTimeMs, closeTimeMs int64
	var open, high, low, closeS, volume, quoteVolume string
	var tradesCount int64
	if err := json.Unmarshal(raw[0], &openTimeMs); err != nil {
		return candle.Candle{}, err
	}
	json.Unmarshal(raw[1], &open)
	json.Unmarshal(raw[2], &high)
	json.Unmarshal(raw[3], &low)
	json.Unmarshal(raw[4], &closeS)
	json.Unmarshal(raw[5], &volume)
	if err := json.Unmarshal(raw[6], &closeTimeMs); err != nil {
		return candle.Candle{}, err
	}
	json.Unmarshal(raw[7], &quoteVolume)
	json.Unmarshal(raw[8], &tradesCount)

	openF, _ := strconv.ParseFloat(open, 64)
	highF, _ := strconv.ParseFloat(high, 64)
	lowF, _ := strconv.ParseFloat(low, 64)
	closeF, _ := strconv.ParseFloat(closeS, 64)
	volF, _ := strconv.ParseFloat(volume, 64)
	quoteF, _ := strconv.ParseFloat(quoteVolume, 64)

	return candle.Candle{
		Symbol:      symbol,
		Timeframe:   tf,
		OpenTimeMs:  openTimeMs,
		CloseTimeMs: closeTimeMs,
		Open:        openF,
		High:        highF,
		Low:         lowF,
		Close:       closeF,
		Volume:      volF,
		QuoteVolume: &quoteF,
		TradesCount: &tradesCount,
	}, nil
}
