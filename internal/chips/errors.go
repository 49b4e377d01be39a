package chips

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/chipflip/chip-ledger/internal/chain"
	"github.com/chipflip/chip-ledger/internal/ledger"
)

// errorStatus maps ledger sentinels to HTTP statuses. The first match wins.
var errorStatus = []struct {
	err    error
	status int
}{
	{ledger.ErrMalformed, http.StatusBadRequest},
	{ledger.ErrInvalidAmount, http.StatusBadRequest},
	{ledger.ErrInvalidDestination, http.StatusBadRequest},
	{ledger.ErrWrongDestination, http.StatusBadRequest},
	{ledger.ErrTransactionNotFound, http.StatusBadRequest},
	{ledger.ErrBootstrapDisabled, http.StatusForbidden},
	{ledger.ErrUntrustedSource, http.StatusForbidden},
	{ledger.ErrProofAlreadyClaimed, http.StatusConflict},
	{ledger.ErrInsufficientBalance, http.StatusUnprocessableEntity},
	{ledger.ErrBetExceedsBalance, http.StatusUnprocessableEntity},
	{ledger.ErrBelowMinimumBalance, http.StatusUnprocessableEntity},
	{ledger.ErrAmountMismatch, http.StatusUnprocessableEntity},
	{ledger.ErrPriceFeedUnavailable, http.StatusServiceUnavailable},
	{ledger.ErrChainReadUnavailable, http.StatusServiceUnavailable},
}

// writeLedgerError writes the sentinel's message with its status. Anything
// unrecognised is logged and reported as a generic 500.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			if m.status == http.StatusServiceUnavailable {
				slog.Warn("dependency unavailable", "path", r.URL.Path, "err", err)
			}
			writeError(w, strings.TrimPrefix(m.err.Error(), "ledger: "), m.status)
			return
		}
	}
	slog.Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

// newValidator adds the txhash tag to the stock validator.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("txhash", func(fl validator.FieldLevel) bool {
		_, err := chain.ParseTxHash(fl.Field().String())
		return err == nil
	})
	return v
}
