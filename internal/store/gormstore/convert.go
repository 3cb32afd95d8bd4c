package gormstore

import (
	"dyocense/controlplane/internal/domain"
)

func jobToRow(j domain.Job) JobRow {
	return JobRow{
		JobID:            j.JobID,
		TenantID:         j.TenantID,
		Tier:             string(j.Tier),
		JobType:          j.JobType,
		PayloadJSON:      marshalJSON(j.Payload),
		CostEstimateJSON: marshalJSON(j.CostEstimate),
		Priority:         j.Priority,
		VirtualFinish:    j.VirtualFinish,
		Status:           string(j.Status),
		WorkerID:         j.WorkerID,
		LeaseExpiresAt:   j.LeaseExpiresAt,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		ResultJSON:       marshalJSON(j.Result),
		Attempts:         j.Attempts,
	}
}

func rowToJob(r JobRow) domain.Job {
	return domain.Job{
		JobID:          r.JobID,
		TenantID:       r.TenantID,
		Tier:           domain.Tier(r.Tier),
		JobType:        r.JobType,
		Payload:        unmarshalJSON[map[string]any](r.PayloadJSON),
		CostEstimate:   unmarshalJSON[domain.ResourceVector](r.CostEstimateJSON),
		Priority:       r.Priority,
		VirtualFinish:  r.VirtualFinish,
		Status:         domain.JobStatus(r.Status),
		WorkerID:       r.WorkerID,
		LeaseExpiresAt: r.LeaseExpiresAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Result:         unmarshalJSON[map[string]any](r.ResultJSON),
		Attempts:       r.Attempts,
	}
}

func entryToRow(e domain.LedgerEntry) LedgerEntryRow {
	return LedgerEntryRow{
		EntryID:            e.EntryID,
		TenantID:           e.TenantID,
		TS:                 e.TS,
		ActionType:         e.ActionType,
		Source:             e.Source,
		ParentHash:         e.ParentHash,
		PreStateHash:       e.PreStateHash,
		PostStateHash:      e.PostStateHash,
		DeltaVectorJSON:    marshalJSON(e.DeltaVector),
		MetadataJSON:       marshalJSON(e.Metadata),
		Signature:          e.Signature,
		SigningKeyID:       e.SigningKeyID,
		SignatureAlgorithm: string(e.SignatureAlgorithm),
		SignatureVersion:   e.SignatureVersion,
	}
}

func rowToEntry(r LedgerEntryRow) domain.LedgerEntry {
	return domain.LedgerEntry{
		EntryID:            r.EntryID,
		TenantID:           r.TenantID,
		TS:                 r.TS,
		ActionType:         r.ActionType,
		Source:             r.Source,
		ParentHash:         r.ParentHash,
		PreStateHash:       r.PreStateHash,
		PostStateHash:      r.PostStateHash,
		DeltaVector:        unmarshalJSON[map[string]any](r.DeltaVectorJSON),
		Metadata:           unmarshalJSON[map[string]any](r.MetadataJSON),
		Signature:          r.Signature,
		SigningKeyID:       r.SigningKeyID,
		SignatureAlgorithm: domain.SignatureAlgorithm(r.SignatureAlgorithm),
		SignatureVersion:   r.SignatureVersion,
	}
}

func keyToRow(k domain.SigningKey) SigningKeyRow {
	return SigningKeyRow{
		KeyID:       k.KeyID,
		TenantID:    k.TenantID,
		Algorithm:   string(k.Algorithm),
		PublicKey:   k.PublicKey,
		KeyVaultRef: k.KeyVaultRef,
		Status:      string(k.Status),
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
		RevokedAt:   k.RevokedAt,
	}
}

func rowToKey(r SigningKeyRow) domain.SigningKey {
	return domain.SigningKey{
		KeyID:       r.KeyID,
		TenantID:    r.TenantID,
		Algorithm:   domain.SignatureAlgorithm(r.Algorithm),
		PublicKey:   r.PublicKey,
		KeyVaultRef: r.KeyVaultRef,
		Status:      domain.KeyStatus(r.Status),
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		RevokedAt:   r.RevokedAt,
	}
}
