// Package ledgerexport writes a tenant's decision ledger chain to a
// Parquet file for offline audit tooling (SPEC_FULL.md §B.7), grounded
// on services/otc-gateway/recon/reconciler.go's writeParquet: a fixed
// parquet-tagged row struct, parquet-go-source's writerfile wrapping an
// os.File, and SNAPPY row-group compression.
package ledgerexport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/store"
)

// row is the flattened, Parquet-taggable projection of a domain.LedgerEntry.
// DeltaVector/Metadata are stored as their encoding/json text since
// Parquet's flat schema can't represent an arbitrary nested map column.
type row struct {
	EntryID            string `parquet:"name=entry_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TenantID           string `parquet:"name=tenant_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampUnixMilli int64  `parquet:"name=ts_unix_ms, type=INT64"`
	ActionType         string `parquet:"name=action_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source             string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	ParentHash         string `parquet:"name=parent_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	PreStateHash       string `parquet:"name=pre_state_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	PostStateHash      string `parquet:"name=post_state_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	DeltaVectorJSON    string `parquet:"name=delta_vector_json, type=BYTE_ARRAY, convertedtype=UTF8"`
	MetadataJSON       string `parquet:"name=metadata_json, type=BYTE_ARRAY, convertedtype=UTF8"`
	SigningKeyID       string `parquet:"name=signing_key_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SignatureAlgorithm string `parquet:"name=signature_algorithm, type=BYTE_ARRAY, convertedtype=UTF8"`
	SignatureVersion   int32  `parquet:"name=signature_version, type=INT32"`
}

// ErrNoEntries is returned when a tenant's chain has nothing to export.
var ErrNoEntries = fmt.Errorf("ledgerexport: tenant has no ledger entries")

// WriteTenantChain reads up to limit entries (0 = unbounded) of tenantID's
// ledger chain from st and writes them to path as a Parquet file. Entries
// are written oldest-first, matching the chain's causal order.
func WriteTenantChain(ctx context.Context, st store.Store, tenantID, path string, limit int) (int, error) {
	entries, err := st.GetChain(ctx, tenantID, limit)
	if err != nil {
		return 0, fmt.Errorf("ledgerexport: load chain for %s: %w", tenantID, err)
	}
	if len(entries) == 0 {
		return 0, ErrNoEntries
	}
	// GetChain returns newest-first; the export reads like an audit log,
	// oldest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("ledgerexport: create %s: %w", path, err)
	}
	defer file.Close()

	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(row), 4)
	if err != nil {
		return 0, fmt.Errorf("ledgerexport: build parquet writer: %w", err)
	}
	pw.RowGroupSize = 64 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		r, err := rowFromEntry(entry)
		if err != nil {
			return 0, fmt.Errorf("ledgerexport: marshal entry %s: %w", entry.EntryID, err)
		}
		if err := pw.Write(&r); err != nil {
			return 0, fmt.Errorf("ledgerexport: write entry %s: %w", entry.EntryID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return 0, fmt.Errorf("ledgerexport: finalize parquet file: %w", err)
	}
	return len(entries), nil
}

func rowFromEntry(entry domain.LedgerEntry) (row, error) {
	deltaJSON, err := json.Marshal(entry.DeltaVector)
	if err != nil {
		return row{}, err
	}
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return row{}, err
	}
	return row{
		EntryID:            entry.EntryID,
		TenantID:           entry.TenantID,
		TimestampUnixMilli: entry.TS.UnixMilli(),
		ActionType:         entry.ActionType,
		Source:             entry.Source,
		ParentHash:         entry.ParentHash,
		PreStateHash:       entry.PreStateHash,
		PostStateHash:      entry.PostStateHash,
		DeltaVectorJSON:    string(deltaJSON),
		MetadataJSON:       string(metaJSON),
		SigningKeyID:       entry.SigningKeyID,
		SignatureAlgorithm: string(entry.SignatureAlgorithm),
		SignatureVersion:   int32(entry.SignatureVersion),
	}, nil
}
