package reporter

import (
	"binance-strategy-bot-go/internal/backtest"
	"binance-strategy-bot-go/internal/models"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02 15:04:05"

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	RealizedPnL      float64 // 已平仓卖单的盈亏之和
	TotalTrades      int
	ClosedTrades     int // 带盈亏的卖单
	WinningTrades    int
	LosingTrades     int
	RejectedSignals  int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	EndingCash       float64
	EndingAssetValue float64
	TotalAssetQty    float64
	StartTime        time.Time
	EndTime          time.Time
}

// CalculateMetrics 根据回测结果计算性能指标
func CalculateMetrics(result *backtest.Result) *Metrics {
	m := &Metrics{
		InitialBalance:  result.InitialBalance,
		TotalTrades:     len(result.Trades),
		RejectedSignals: result.Rejected,
		StartTime:       result.Start,
		EndTime:         result.End,
	}

	// 盈亏用 decimal 累加
	realized := decimal.Zero
	totalProfit := decimal.Zero
	totalLoss := decimal.Zero
	for _, trade := range result.Trades {
		if trade.PnL == nil {
			continue
		}
		m.ClosedTrades++
		pnl := decimal.NewFromFloat(*trade.PnL)
		realized = realized.Add(pnl)
		if pnl.IsPositive() {
			m.WinningTrades++
			totalProfit = totalProfit.Add(pnl)
		} else {
			m.LosingTrades++
			totalLoss = totalLoss.Add(pnl)
		}
	}
	m.RealizedPnL = realized.InexactFloat64()

	if m.ClosedTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.ClosedTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 && !totalLoss.IsZero() {
		avgWin := totalProfit.Div(decimal.NewFromInt(int64(m.WinningTrades)))
		avgLoss := totalLoss.Div(decimal.NewFromInt(int64(m.LosingTrades))).Abs()
		m.AvgProfitLoss = avgWin.Div(avgLoss).InexactFloat64()
	}

	// 计算期末资产详情
	m.EndingCash = result.FinalCash
	m.TotalAssetQty = result.FinalQty
	m.EndingAssetValue = result.FinalQty * result.LastPrice
	m.FinalBalance = m.EndingCash + m.EndingAssetValue

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}

	m.MaxDrawdown = calculateMaxDrawdown(result.EquityCurve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

// RenderBacktest 打印回测结果报告
func RenderBacktest(w io.Writer, result *backtest.Result, dataPath string) *Metrics {
	m := CalculateMetrics(result)

	t := newTable(w, "回测结果报告")
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"交易对", result.Symbol},
		{"策略", result.Strategy},
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
		{"样本数", result.Samples},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", m.InitialBalance)},
		{"最终资金", fmt.Sprintf("%.2f USDT", m.FinalBalance)},
		{"总利润", fmt.Sprintf("%.2f USDT", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"已实现盈亏", fmt.Sprintf("%.2f USDT", m.RealizedPnL)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"平仓次数", m.ClosedTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"被拒绝信号", m.RejectedSignals},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"期末现金", fmt.Sprintf("%.2f USDT", m.EndingCash)},
		{"期末持仓市值", fmt.Sprintf("%.2f USDT (共 %.4f %s)", m.EndingAssetValue, m.TotalAssetQty, result.Symbol)},
	})
	t.Render()
	return m
}

// RenderTrades 打印交易记录
func RenderTrades(w io.Writer, trades []models.Trade) {
	t := newTable(w, "交易记录")
	t.AppendHeader(table.Row{"时间", "交易对", "方向", "数量", "价格", "模式", "盈亏"})
	for _, trade := range trades {
		pnl := "-"
		if trade.PnL != nil {
			pnl = fmt.Sprintf("%.4f", *trade.PnL)
		}
		t.AppendRow(table.Row{
			trade.ExecutedAt.Format(timeLayout),
			trade.Symbol,
			trade.Side,
			trade.Amount,
			fmt.Sprintf("%.4f", trade.Price),
			trade.Mode,
			pnl,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "合计", len(trades)})
	t.Render()
}

// RenderRuntimes 打印机器人运行状态
func RenderRuntimes(w io.Writer, runtimes []models.BotRuntime) {
	t := newTable(w, "机器人状态")
	t.AppendHeader(table.Row{"机器人", "用户", "交易对", "策略", "状态", "轮询次数", "最新价格", "最新信号", "成交次数", "错误"})
	for _, rt := range runtimes {
		signal := string(rt.LastSignal)
		if signal == "" {
			signal = "-"
		}
		t.AppendRow(table.Row{
			rt.BotID,
			rt.UserID,
			rt.Symbol,
			rt.Strategy,
			rt.Status,
			rt.Ticks,
			fmt.Sprintf("%.4f", rt.LastPrice),
			signal,
			rt.Trades,
			rt.LastError,
		})
	}
	t.Render()
}
