package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"

	"github.com/localmart/commission-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteLedgerCSV(t *testing.T) {
	env := newTestEnv(t)
	seller := soloSeller(t, env)
	other := env.createAffiliate(t, "other", nil)
	env.createCode(t, other, "OTHER", "LINK", "", false)
	env.attribute(t, "buyer-2", "OTHER")
	env.ingest(t, revenue("evt_1", "ORDER_PAID", "buyer", 12345))
	env.ingest(t, reversal("ref_1", "REFUND", "evt_1", 12345))
	env.ingest(t, revenue("evt_2", "ORDER_PAID", "buyer-2", 100))

	var buf bytes.Buffer
	err := NewExportService(env.repo).WriteLedgerCSV(context.Background(), &buf, store.LedgerFilter{AffiliateID: &seller.ID})
	require.NoError(t, err)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, exportHeaders, records[0])

	credit, offset := records[1], records[2]
	assert.Equal(t, seller.ID.String(), credit[1])
	assert.Equal(t, "evt_1", credit[2])
	assert.Equal(t, "ORDER_PAID", credit[3])
	assert.Equal(t, "123.45", credit[5])
	assert.Equal(t, "PENDING", credit[6])
	assert.Equal(t, "false", credit[10])

	assert.Equal(t, "REFUND", offset[3])
	assert.Equal(t, "-123.45", offset[5])
	assert.Equal(t, "ref_1", offset[9])
	assert.Contains(t, offset[11], "REFUND ref_1")
}

func TestWriteLedgerXLSX(t *testing.T) {
	env := newTestEnv(t)
	soloSeller(t, env)
	env.ingest(t, revenue("evt_1", "ORDER_PAID", "buyer", 2500))
	env.ingest(t, revenue("evt_2", "INVOICE_PAID", "buyer", 1050))

	var buf bytes.Buffer
	err := NewExportService(env.repo).WriteLedgerXLSX(context.Background(), &buf, store.LedgerFilter{})
	require.NoError(t, err)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Ledger"}, f.GetSheetList())
	rows, err := f.GetRows("Ledger")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Entry ID", rows[0][0])
	assert.Equal(t, "evt_1", rows[1][2])

	amount, err := f.GetCellValue("Ledger", "F3")
	require.NoError(t, err)
	assert.Equal(t, "10.5", amount)
}
