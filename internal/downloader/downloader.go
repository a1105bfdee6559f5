package downloader

import (
	"binance-strategy-bot-go/internal/models"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// csvHeader 与币安 K 线接口返回的字段顺序一致
var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

const (
	closeColumn     = 4
	closeTimeColumn = 6
	// 币安单次请求最多返回 1000 条
	pageLimit = 1000
)

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	logger *zap.Logger
	pause  time.Duration // 两次请求之间的间隔, 避免触发限频
}

// NewKlineDownloader 创建一个新的下载器实例. baseURL 为空时使用币安主网.
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{client: client, logger: logger, pause: 200 * time.Millisecond}
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return nil
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.String("start", startTime.Format("2006-01-02")),
		zap.String("end", endTime.Format("2006-01-02")))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	// 先写入临时文件, 成功后再改名, 避免中断的下载被当作缓存
	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmpPath, err)
	}

	if err := d.writeKlines(ctx, file, symbol, startTime, endTime); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("关闭文件 %s 失败: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("保存文件 %s 失败: %w", filePath, err)
	}

	d.logger.Info("成功下载K线数据", zap.String("file", filePath))
	return nil
}

func (d *KlineDownloader) writeKlines(ctx context.Context, w io.Writer, symbol string, startTime, endTime time.Time) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval("1m").
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(pageLimit).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t))

		if d.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.pause):
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

// LoadSamples 读取 DownloadKlines 写出的CSV, 以收盘价和收盘时间构造价格样本.
func LoadSamples(filePath string) ([]models.PriceSample, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开数据文件 %s: %w", filePath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("数据文件 %s 为空", filePath)
		}
		return nil, fmt.Errorf("读取CSV表头失败: %w", err)
	}

	var samples []models.PriceSample
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取第 %d 行失败: %w", line, err)
		}

		closeTime, err := strconv.ParseInt(record[closeTimeColumn], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行收盘时间无效: %w", line, err)
		}
		price, err := strconv.ParseFloat(record[closeColumn], 64)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行收盘价无效: %w", line, err)
		}
		samples = append(samples, models.PriceSample{Time: time.UnixMilli(closeTime).UTC(), Price: price})
	}
	return samples, nil
}
