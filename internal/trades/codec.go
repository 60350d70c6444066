package trades

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"

	"github.com/klauspost/compress/gzip"
)

// Payload is the self-describing container trades travel in. Data is the
// base64 of gzip level-1 over a compact JSON projection
// [[ticker, method, entry-price-string], ...].
type Payload struct {
	Data           string `json:"data"`
	OriginalSize   int    `json:"originalSize"`
	CompressedSize int    `json:"compressedSize"`
	Count          int    `json:"count"`
}

// Encode compresses an ordered trade list into a Payload. Compression stays
// at gzip level 1 to keep encode latency bounded for 10^6-trade portfolios.
func Encode(list []Trade) (*Payload, error) {
	var compressed bytes.Buffer
	gz, err := gzip.NewWriterLevel(&compressed, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}

	counter := &countingWriter{w: gz}
	if err := writeProjection(counter, list); err != nil {
		return nil, fmt.Errorf("encode trades: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("flush gzip: %w", err)
	}

	return &Payload{
		Data:           base64.StdEncoding.EncodeToString(compressed.Bytes()),
		OriginalSize:   counter.n,
		CompressedSize: compressed.Len(),
		Count:          len(list),
	}, nil
}

// Decode restores the exact ordered trade list from a Payload. Price strings
// parse losslessly into arbitrary-precision integers.
func Decode(p *Payload) ([]Trade, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	list := make([]Trade, 0, p.Count)
	dec := json.NewDecoder(gz)

	// Stream the outer array token by token so a 10^6-entry payload never
	// needs a second in-memory copy of the projection.
	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}
	for dec.More() {
		var row [3]string
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode trade %d: %w", len(list), err)
		}
		price, ok := new(big.Int).SetString(row[2], 10)
		if !ok {
			return nil, fmt.Errorf("trade %d: invalid entry price %q", len(list), row[2])
		}
		list = append(list, Trade{Ticker: row[0], Method: row[1], EntryPrice: price})
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}

	if p.Count != 0 && p.Count != len(list) {
		return nil, fmt.Errorf("payload count %d does not match decoded %d", p.Count, len(list))
	}
	return list, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read projection token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("unexpected projection token %v, want %v", tok, want)
	}
	return nil
}

// writeProjection streams the compact [[ticker,method,price],...] form.
func writeProjection(w io.Writer, list []Trade) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i := range list {
		t := &list[i]
		if t.EntryPrice == nil {
			return fmt.Errorf("trade %d: nil entry price", i)
		}
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		row, err := json.Marshal([3]string{t.Ticker, t.Method, t.EntryPrice.String()})
		if err != nil {
			return err
		}
		if _, err := w.Write(row); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
