package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const maxExportRows = 50000

var exportHeaders = []string{
	"Entry ID", "Affiliate ID", "Source Event", "Event Type", "Tier", "Amount",
	"Status", "Available At", "Payout ID", "Reversal Event", "Debt", "Reason", "Created At",
}

// ExportService renders ledger history for finance.
type ExportService struct {
	repo store.Repository
}

func NewExportService(repo store.Repository) *ExportService {
	return &ExportService{repo: repo}
}

func (s *ExportService) entries(ctx context.Context, filter store.LedgerFilter) ([]domain.LedgerEntry, error) {
	if filter.Limit <= 0 || filter.Limit > maxExportRows {
		filter.Limit = maxExportRows
	}
	return s.repo.ListLedgerEntries(ctx, filter)
}

// WriteLedgerCSV writes the filtered ledger history as CSV.
func (s *ExportService) WriteLedgerCSV(ctx context.Context, w io.Writer, filter store.LedgerFilter) error {
	entries, err := s.entries(ctx, filter)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(exportHeaders); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, entry := range entries {
		if err := writer.Write(exportRow(entry)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteLedgerXLSX writes the filtered ledger history as a spreadsheet.
func (s *ExportService) WriteLedgerXLSX(ctx context.Context, w io.Writer, filter store.LedgerFilter) error {
	entries, err := s.entries(ctx, filter)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Ledger"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to remove default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}

	for i, header := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, header)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for rowIdx, entry := range entries {
		row := rowIdx + 2
		for col, value := range exportRow(entry) {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if col == 5 {
				// Amount stays numeric so totals work in the sheet.
				amount, _ := centsToDecimal(entry.AmountCents).Float64()
				f.SetCellValue(sheetName, cell, amount)
				continue
			}
			f.SetCellValue(sheetName, cell, value)
		}
	}

	for i := range exportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheetName, col, col, 18)
	}
	f.SetActiveSheet(index)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func exportRow(entry domain.LedgerEntry) []string {
	row := []string{
		entry.ID.String(),
		entry.AffiliateID.String(),
		entry.SourceEventID,
		string(entry.EventType),
		string(entry.Tier),
		centsToDecimal(entry.AmountCents).StringFixed(2),
		string(entry.Status),
		entry.AvailableAt.UTC().Format(time.RFC3339),
		"",
		"",
		fmt.Sprintf("%t", entry.IsDebt),
		"",
		entry.CreatedAt.UTC().Format(time.RFC3339),
	}
	if entry.PayoutID != nil {
		row[8] = entry.PayoutID.String()
	}
	if entry.ReversalEventID != nil {
		row[9] = *entry.ReversalEventID
	}
	if entry.Reason != nil {
		row[11] = *entry.Reason
	}
	return row
}

func centsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
