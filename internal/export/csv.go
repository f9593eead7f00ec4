// Package export renders ledger data into portable files for accountants and
// spreadsheet tooling.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/pocketledger/pocketledger/internal/models"
)

var transactionHeader = []string{"id", "date", "type", "category", "amount", "note", "created_at"}

// WriteTransactionsCSV streams transactions as CSV in the order given.
// Amounts are rendered with two decimal places, dates as RFC 3339.
func WriteTransactionsCSV(w io.Writer, transactions []models.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(transactionHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, tx := range transactions {
		row := []string{
			tx.ID,
			tx.Date.UTC().Format(time.RFC3339),
			string(tx.Type),
			tx.Category,
			tx.Amount.StringFixed(2),
			tx.Note,
			tx.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
