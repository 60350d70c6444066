package chain

import (
	"context"
	"errors"
	"net"
	"strings"

	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
)

// Failure strings the upstream node reports for conditions the adapter must
// distinguish. Matching on message text is the only portable option across
// node implementations.
var (
	insufficientMarkers = []string{
		"insufficient funds",
		"insufficient balance",
		"gas required exceeds allowance",
	}
	nonceMarkers = []string{
		"nonce too low",
		"nonce too high",
		"invalid nonce",
		"replacement transaction underpriced",
		"already known",
	}
	revertMarkers = []string{
		"execution reverted",
		"revert",
	}
)

// ErrInsufficientFunds marks a locally unaffordable transaction.
var ErrInsufficientFunds = errors.New("insufficient gas or balance")

// ErrNonceRejected marks a signature/nonce rejection, permanent for the
// current nonce.
var ErrNonceRejected = errors.New("nonce rejected")

// RevertError carries the reason string extracted from a contract revert.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// classify wraps a raw node error into the bot's error taxonomy:
// (a) insufficient gas/balance and (b) nonce rejections are permanent,
// (c) reverts are permanent with the extracted reason, (d) everything that
// looks like transport is retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())

	for _, m := range insufficientMarkers {
		if strings.Contains(msg, m) {
			return boterrors.Permanent(op, errors.Join(ErrInsufficientFunds, err))
		}
	}
	for _, m := range nonceMarkers {
		if strings.Contains(msg, m) {
			return boterrors.Permanent(op, errors.Join(ErrNonceRejected, err))
		}
	}
	for _, m := range revertMarkers {
		if strings.Contains(msg, m) {
			return boterrors.Permanent(op, &RevertError{Reason: extractRevertReason(err.Error())})
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return boterrors.Transient(op, err)
	}

	// Unrecognized node errors default to retryable per the error policy.
	return boterrors.Transient(op, err)
}

// extractRevertReason pulls the human reason out of messages shaped like
// "execution reverted: Bet not active".
func extractRevertReason(msg string) string {
	const marker = "execution reverted"
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return ""
	}
	rest := msg[idx+len(marker):]
	rest = strings.TrimPrefix(rest, ":")
	return strings.TrimSpace(rest)
}
