package trades

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
	sha256 "github.com/minio/sha256-simd"
)

// The trades-root is a single-pass SHA-256 over the textual framing
//
//	{snapshot-id}|{ticker}:{method}:{entry-price}|...
//
// with one "|{ticker}:{method}:{entry-price}" segment per trade, in list
// order. The framing never embeds the trade index; ordering is carried by
// sequence position only. All three Root variants stream segments into the
// digest without materializing the framed string, so 10^6-trade portfolios
// hash in one pass with constant memory.

// Root hashes an ordered trade list.
func Root(snapshotID string, list []Trade) ([32]byte, error) {
	h := sha256.New()
	h.Write([]byte(snapshotID))

	var scratch []byte
	for i := range list {
		t := &list[i]
		if t.EntryPrice == nil {
			return [32]byte{}, fmt.Errorf("trade %d: nil entry price", i)
		}
		scratch = scratch[:0]
		scratch = append(scratch, '|')
		scratch = append(scratch, t.Ticker...)
		scratch = append(scratch, ':')
		scratch = append(scratch, t.Method...)
		scratch = append(scratch, ':')
		scratch = t.EntryPrice.Append(scratch, 10)
		h.Write(scratch)
	}

	var root [32]byte
	h.Sum(root[:0])
	return root, nil
}

// RootColumnar hashes the same framing from columnar inputs: tickers are
// synthesized as tickerPrefix plus a zero-padded sequence number of
// tickerPadWidth digits, methods are dictionary-encoded, and prices arrive
// as a dense uint256 slice. No per-trade objects are allocated.
func RootColumnar(snapshotID, tickerPrefix string, tickerPadWidth int, methodDict []string, methodIndices []byte, entryPrices []uint256.Int) ([32]byte, error) {
	if len(methodIndices) != len(entryPrices) {
		return [32]byte{}, fmt.Errorf("column length mismatch: %d methods, %d prices", len(methodIndices), len(entryPrices))
	}

	h := sha256.New()
	h.Write([]byte(snapshotID))

	var scratch []byte
	for i := range methodIndices {
		mi := int(methodIndices[i])
		if mi >= len(methodDict) {
			return [32]byte{}, fmt.Errorf("trade %d: method index %d out of dictionary range %d", i, mi, len(methodDict))
		}
		scratch = scratch[:0]
		scratch = append(scratch, '|')
		scratch = append(scratch, tickerPrefix...)
		scratch = appendPadded(scratch, i, tickerPadWidth)
		scratch = append(scratch, ':')
		scratch = append(scratch, methodDict[mi]...)
		scratch = append(scratch, ':')
		scratch = append(scratch, entryPrices[i].Dec()...)
		h.Write(scratch)
	}

	var root [32]byte
	h.Sum(root[:0])
	return root, nil
}

// bufferPriceSize is the wire width of one entry price in RootFromBuffer:
// an unsigned 128-bit big-endian integer.
const bufferPriceSize = 16

// RootFromBuffer hashes the framing straight out of a packed buffer holding
// count method-index bytes followed by count 16-byte big-endian uint128
// entry prices.
func RootFromBuffer(snapshotID, tickerPrefix string, tickerPadWidth int, methodDict []string, buf []byte, count int) ([32]byte, error) {
	need := count + count*bufferPriceSize
	if len(buf) < need {
		return [32]byte{}, fmt.Errorf("buffer too short: have %d bytes, need %d for %d trades", len(buf), need, count)
	}

	methods := buf[:count]
	prices := buf[count:need]

	h := sha256.New()
	h.Write([]byte(snapshotID))

	var price uint256.Int
	var priceBytes [32]byte
	var scratch []byte
	for i := 0; i < count; i++ {
		mi := int(methods[i])
		if mi >= len(methodDict) {
			return [32]byte{}, fmt.Errorf("trade %d: method index %d out of dictionary range %d", i, mi, len(methodDict))
		}
		// Widen the 16-byte big-endian price to the 32 bytes uint256 reads.
		copy(priceBytes[16:], prices[i*bufferPriceSize:(i+1)*bufferPriceSize])
		price.SetBytes32(priceBytes[:])

		scratch = scratch[:0]
		scratch = append(scratch, '|')
		scratch = append(scratch, tickerPrefix...)
		scratch = appendPadded(scratch, i, tickerPadWidth)
		scratch = append(scratch, ':')
		scratch = append(scratch, methodDict[mi]...)
		scratch = append(scratch, ':')
		scratch = append(scratch, price.Dec()...)
		h.Write(scratch)
	}

	var root [32]byte
	h.Sum(root[:0])
	return root, nil
}

// PackBuffer builds the RootFromBuffer wire layout from columnar inputs.
// Useful for tests and for forwarding columnar snapshots between processes.
func PackBuffer(methodIndices []byte, entryPrices []uint256.Int) ([]byte, error) {
	if len(methodIndices) != len(entryPrices) {
		return nil, fmt.Errorf("column length mismatch: %d methods, %d prices", len(methodIndices), len(entryPrices))
	}
	out := make([]byte, len(methodIndices)+len(entryPrices)*bufferPriceSize)
	copy(out, methodIndices)
	priceArea := out[len(methodIndices):]
	for i := range entryPrices {
		b32 := entryPrices[i].Bytes32()
		if !isZero16(b32[:16]) {
			return nil, fmt.Errorf("price %d exceeds 128 bits", i)
		}
		copy(priceArea[i*bufferPriceSize:], b32[16:])
	}
	return out, nil
}

func isZero16(b []byte) bool {
	return binary.BigEndian.Uint64(b) == 0 && binary.BigEndian.Uint64(b[8:]) == 0
}

// appendPadded appends i as a zero-padded decimal of at least width digits.
func appendPadded(dst []byte, i, width int) []byte {
	start := len(dst)
	dst = strconv.AppendInt(dst, int64(i), 10)
	if pad := width - (len(dst) - start); pad > 0 {
		dst = append(dst, make([]byte, pad)...)
		copy(dst[start+pad:], dst[start:len(dst)-pad])
		for j := 0; j < pad; j++ {
			dst[start+j] = '0'
		}
	}
	return dst
}

// SyntheticTicker renders the ticker the columnar variants synthesize for
// position i, so row-oriented callers can produce identical framings.
func SyntheticTicker(prefix string, i, padWidth int) string {
	return prefix + string(appendPadded(nil, i, padWidth))
}
