// Package api 是行情生产者：从交易所 WebSocket 组合流摄入 ticker 和
// K 线，写入共享行情存储
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"crypto-screener/internal/model"
	"crypto-screener/internal/service"
	"crypto-screener/internal/store"
)

// Connector 维护一条 Binance 组合流连接
// 每个符号订阅 @ticker 和每个配置周期的 @kline_<interval>，
// 收到的数据直接写入存储 (限流与脏位标记由存储层处理)
type Connector struct {
	wsBase    string
	symbols   []string
	intervals []string
	store     *store.MarketStore
}

// NewConnector 构造行情连接器
func NewConnector(wsBase string, symbols, intervals []string, st *store.MarketStore) *Connector {
	service.Logger.Info("Connector initialized",
		zap.Strings("symbols", symbols), zap.Strings("intervals", intervals))
	return &Connector{
		wsBase:    wsBase,
		symbols:   symbols,
		intervals: intervals,
		store:     st,
	}
}

// streamURL 拼接组合流地址
// 例如 wss://fstream.binance.com/stream?streams=btcusdt@ticker/btcusdt@kline_1m
func (c *Connector) streamURL() string {
	streams := make([]string, 0, len(c.symbols)*(1+len(c.intervals)))
	for _, sym := range c.symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@ticker")
		for _, iv := range c.intervals {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", lower, iv))
		}
	}
	return c.wsBase + "/stream?streams=" + strings.Join(streams, "/")
}

// Start 建立连接并持续读取，断线后 5 秒重连
// 阻塞直到 ctx 取消，应在独立 goroutine 中运行
func (c *Connector) Start(ctx context.Context) {
	url := c.streamURL()
	service.Logger.Info("Starting market data stream...", zap.String("url", url))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			service.Logger.Error("Failed to connect to WS, retrying...", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		c.readLoop(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
			service.Logger.Warn("WS connection lost, reconnecting in 5s...")
			time.Sleep(5 * time.Second)
		}
	}
}

// readLoop 持续读取组合流消息直到出错或 ctx 取消
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			service.Logger.Error("Error reading WS message", zap.Error(err))
			return
		}

		data := gjson.GetBytes(message, "data")
		if !data.Exists() {
			continue
		}

		switch data.Get("e").String() {
		case "24hrTicker":
			c.handleTicker(data)
		case "kline":
			c.handleKline(data)
		}
	}
}

func (c *Connector) handleTicker(data gjson.Result) {
	ticker := model.Ticker{
		Symbol:           data.Get("s").String(),
		LastPrice:        data.Get("c").Float(),
		OpenPrice:        data.Get("o").Float(),
		HighPrice:        data.Get("h").Float(),
		LowPrice:         data.Get("l").Float(),
		Volume:           data.Get("v").Float(),
		QuoteVolume:      data.Get("q").Float(),
		PriceChangePct:   data.Get("P").Float(),
		PriceChange:      data.Get("p").Float(),
		WeightedAvgPrice: data.Get("w").Float(),
		UpdateTime:       data.Get("E").Int(),
	}
	if ticker.Symbol == "" || ticker.UpdateTime == 0 {
		return
	}

	if err := c.store.UpdateTicker(ticker); err != nil {
		// 容量满是致命配置问题，只记录不重试
		service.Logger.Error("Ticker update rejected",
			zap.String("symbol", ticker.Symbol), zap.Error(err))
	}
}

func (c *Connector) handleKline(data gjson.Result) {
	symbol := data.Get("s").String()
	k := data.Get("k")
	interval := k.Get("i").String()
	if symbol == "" || interval == "" {
		return
	}

	bar := model.KlineBar{
		OpenTime: k.Get("t").Int(),
		Open:     k.Get("o").Float(),
		High:     k.Get("h").Float(),
		Low:      k.Get("l").Float(),
		Close:    k.Get("c").Float(),
		Volume:   k.Get("v").Float(),
	}
	if bar.OpenTime == 0 {
		return
	}

	if err := c.store.UpdateKline(symbol, interval, bar); err != nil {
		service.Logger.Error("Kline update rejected",
			zap.String("symbol", symbol), zap.String("interval", interval), zap.Error(err))
	}
}
