package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"upbitScalper/internal/domain"
)

var candleHeader = []string{"open_time", "market", "unit", "open", "high", "low", "close", "volume", "notional"}

// WriteCandlesToCSV writes candles to filename, creating its directory when needed.
func WriteCandlesToCSV(candles []*domain.Candle, filename string) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(candleHeader); err != nil {
		return err
	}

	for _, c := range candles {
		writer.Write([]string{
			c.OpenTime.UTC().Format(time.RFC3339),
			c.Market,
			strconv.Itoa(c.Unit),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
			strconv.FormatFloat(c.Notional, 'f', -1, 64),
		})
	}
	writer.Flush()
	return writer.Error()
}

// ReadCandlesFromCSV loads candles written by WriteCandlesToCSV, in file order.
func ReadCandlesFromCSV(filename string) ([]*domain.Candle, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(candleHeader)

	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", filename, err)
	}

	var candles []*domain.Candle
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		c, err := parseCandle(record)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filename, line, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseCandle(record []string) (*domain.Candle, error) {
	openTime, err := time.Parse(time.RFC3339, record[0])
	if err != nil {
		return nil, fmt.Errorf("invalid open_time: %w", err)
	}
	unit, err := strconv.Atoi(record[2])
	if err != nil {
		return nil, fmt.Errorf("invalid unit: %w", err)
	}
	values := make([]float64, 0, 6)
	for i, field := range record[3:] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", candleHeader[3+i], err)
		}
		values = append(values, v)
	}
	return &domain.Candle{
		Market:   record[1],
		Unit:     unit,
		OpenTime: openTime,
		Open:     values[0],
		High:     values[1],
		Low:      values[2],
		Close:    values[3],
		Volume:   values[4],
		Notional: values[5],
	}, nil
}
