// Package repository wraps all SQL used by the intake pipeline.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/model"
)

// EnvelopeRepository implements envelope.Store on Postgres.
type EnvelopeRepository struct {
	pool *pgxpool.Pool
}

// NewEnvelopeRepository constructs a repository.
func NewEnvelopeRepository(pool *pgxpool.Pool) *EnvelopeRepository {
	return &EnvelopeRepository{pool: pool}
}

// Create inserts the envelope and its child collections in one transaction.
// The partial unique index on live envelopes turns a concurrent insert for
// the same zip into envelope.ErrDuplicate.
func (r *EnvelopeRepository) Create(ctx context.Context, env *model.Envelope) error {
	now := time.Now().UTC()
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.CreatedAt = now
	env.UpdatedAt = now
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx, `
		INSERT INTO envelopes (id, container, zip_file_name, po_box, jurisdiction,
			delivery_date, opening_date, zip_file_created_date, case_number, case_reference,
			classification, rescan_for, status, upload_failure_count, zip_deleted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, env.ID, env.Container, env.ZipFileName, env.PoBox, env.Jurisdiction,
		env.DeliveryDate, env.OpeningDate, env.ZipFileCreatedDate, env.CaseNumber, env.CaseReference,
		env.Classification, env.RescanFor, env.Status, env.UploadFailureCount, env.ZipDeleted, env.CreatedAt, env.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return envelope.ErrDuplicate
		}
		return fmt.Errorf("insert envelope: %w", err)
	}
	for i := range env.ScannableItems {
		item := &env.ScannableItems[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO scannable_items (id, envelope_id, document_control_number, scanning_date,
				ocr_accuracy, manual_intervention, next_action, next_action_date, ocr_data,
				ocr_validation_warnings, file_name, document_type, document_subtype, document_url)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, item.ID, env.ID, item.DocumentControlNumber, item.ScanningDate,
			item.OcrAccuracy, item.ManualIntervention, item.NextAction, item.NextActionDate, item.OcrData,
			item.OcrValidationWarnings, item.FileName, item.DocumentType, item.DocumentSubtype, item.DocumentURL)
		if err != nil {
			return fmt.Errorf("insert scannable item %s: %w", item.DocumentControlNumber, err)
		}
	}
	for i := range env.NonScannableItems {
		item := &env.NonScannableItems[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO non_scannable_items (id, envelope_id, document_control_number, item_type, notes)
			VALUES ($1,$2,$3,$4,$5)
		`, item.ID, env.ID, item.DocumentControlNumber, item.ItemType, item.Notes)
		if err != nil {
			return fmt.Errorf("insert non-scannable item %s: %w", item.DocumentControlNumber, err)
		}
	}
	for i := range env.Payments {
		p := &env.Payments[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.LastModified.IsZero() {
			p.LastModified = now
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO payments (id, envelope_id, document_control_number, status, last_modified)
			VALUES ($1,$2,$3,$4,$5)
		`, p.ID, env.ID, p.DocumentControlNumber, p.Status, p.LastModified)
		if err != nil {
			return fmt.Errorf("insert payment %s: %w", p.DocumentControlNumber, err)
		}
	}
	return tx.Commit(ctx)
}

// Get returns an envelope with its child collections.
func (r *EnvelopeRepository) Get(ctx context.Context, id string) (*model.Envelope, error) {
	return r.selectOne(ctx, `WHERE id = $1`, id)
}

// FindNonDeleted returns the live envelope for the pair, or
// envelope.ErrNotFound.
func (r *EnvelopeRepository) FindNonDeleted(ctx context.Context, container, zipFileName string) (*model.Envelope, error) {
	return r.selectOne(ctx, `WHERE container = $1 AND zip_file_name = $2 AND NOT zip_deleted`, container, zipFileName)
}

// FindLatest returns the newest envelope for the pair regardless of the
// zip-deleted flag, or envelope.ErrNotFound.
func (r *EnvelopeRepository) FindLatest(ctx context.Context, container, zipFileName string) (*model.Envelope, error) {
	return r.selectOne(ctx, `WHERE container = $1 AND zip_file_name = $2 ORDER BY created_at DESC LIMIT 1`, container, zipFileName)
}

// Update persists the envelope's mutable fields.
func (r *EnvelopeRepository) Update(ctx context.Context, env *model.Envelope) error {
	env.UpdatedAt = time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE envelopes
		SET status=$1, case_number=$2, case_reference=$3, classification=$4,
			upload_failure_count=$5, zip_deleted=$6, updated_at=$7
		WHERE id=$8
	`, env.Status, env.CaseNumber, env.CaseReference, env.Classification,
		env.UploadFailureCount, env.ZipDeleted, env.UpdatedAt, env.ID)
	if err != nil {
		return fmt.Errorf("update envelope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return envelope.ErrNotFound
	}
	return nil
}

// UpdateItems stores post-upload item state (document URLs, OCR warnings).
func (r *EnvelopeRepository) UpdateItems(ctx context.Context, envelopeID string, items []model.ScannableItem) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	for i := range items {
		item := &items[i]
		_, err = tx.Exec(ctx, `
			UPDATE scannable_items
			SET document_url=$1, ocr_validation_warnings=$2
			WHERE envelope_id=$3 AND document_control_number=$4
		`, item.DocumentURL, item.OcrValidationWarnings, envelopeID, item.DocumentControlNumber)
		if err != nil {
			return fmt.Errorf("update scannable item %s: %w", item.DocumentControlNumber, err)
		}
	}
	return tx.Commit(ctx)
}

// ScrubOcrData clears every item's OCR payload once the envelope completes.
func (r *EnvelopeRepository) ScrubOcrData(ctx context.Context, envelopeID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scannable_items SET ocr_data = NULL WHERE envelope_id = $1
	`, envelopeID)
	if err != nil {
		return fmt.Errorf("scrub ocr data: %w", err)
	}
	return nil
}

// ListByStatus returns envelopes in the given status, oldest first.
func (r *EnvelopeRepository) ListByStatus(ctx context.Context, status model.Status) ([]*model.Envelope, error) {
	rows, err := r.pool.Query(ctx, envelopeSelect+` WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list envelopes by status: %w", err)
	}
	defer rows.Close()
	var out []*model.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("list envelopes by status: %w", rows.Err())
	}
	for _, env := range out {
		if err := r.loadChildren(ctx, env); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const envelopeSelect = `
	SELECT id, container, zip_file_name, po_box, jurisdiction,
		delivery_date, opening_date, zip_file_created_date, case_number, case_reference,
		classification, COALESCE(rescan_for,''), status, upload_failure_count, zip_deleted, created_at, updated_at
	FROM envelopes`

func (r *EnvelopeRepository) selectOne(ctx context.Context, where string, args ...any) (*model.Envelope, error) {
	row := r.pool.QueryRow(ctx, envelopeSelect+" "+where, args...)
	env, err := scanEnvelope(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, envelope.ErrNotFound
		}
		return nil, err
	}
	if err := r.loadChildren(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*model.Envelope, error) {
	var env model.Envelope
	err := row.Scan(&env.ID, &env.Container, &env.ZipFileName, &env.PoBox, &env.Jurisdiction,
		&env.DeliveryDate, &env.OpeningDate, &env.ZipFileCreatedDate, &env.CaseNumber, &env.CaseReference,
		&env.Classification, &env.RescanFor, &env.Status, &env.UploadFailureCount, &env.ZipDeleted,
		&env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan envelope: %w", err)
	}
	return &env, nil
}

func (r *EnvelopeRepository) loadChildren(ctx context.Context, env *model.Envelope) error {
	rows, err := r.pool.Query(ctx, `
		SELECT id, document_control_number, scanning_date, ocr_accuracy, manual_intervention,
			next_action, next_action_date, ocr_data, ocr_validation_warnings,
			file_name, COALESCE(document_type,''), COALESCE(document_subtype,''), COALESCE(document_url,'')
		FROM scannable_items WHERE envelope_id = $1 ORDER BY document_control_number
	`, env.ID)
	if err != nil {
		return fmt.Errorf("load scannable items: %w", err)
	}
	defer rows.Close()
	env.ScannableItems = nil
	for rows.Next() {
		var item model.ScannableItem
		if err := rows.Scan(&item.ID, &item.DocumentControlNumber, &item.ScanningDate, &item.OcrAccuracy,
			&item.ManualIntervention, &item.NextAction, &item.NextActionDate, &item.OcrData,
			&item.OcrValidationWarnings, &item.FileName, &item.DocumentType, &item.DocumentSubtype,
			&item.DocumentURL); err != nil {
			return fmt.Errorf("scan scannable item: %w", err)
		}
		env.ScannableItems = append(env.ScannableItems, item)
	}
	if rows.Err() != nil {
		return fmt.Errorf("load scannable items: %w", rows.Err())
	}

	nsRows, err := r.pool.Query(ctx, `
		SELECT id, document_control_number, COALESCE(item_type,''), COALESCE(notes,'')
		FROM non_scannable_items WHERE envelope_id = $1 ORDER BY document_control_number
	`, env.ID)
	if err != nil {
		return fmt.Errorf("load non-scannable items: %w", err)
	}
	defer nsRows.Close()
	env.NonScannableItems = nil
	for nsRows.Next() {
		var item model.NonScannableItem
		if err := nsRows.Scan(&item.ID, &item.DocumentControlNumber, &item.ItemType, &item.Notes); err != nil {
			return fmt.Errorf("scan non-scannable item: %w", err)
		}
		env.NonScannableItems = append(env.NonScannableItems, item)
	}
	if nsRows.Err() != nil {
		return fmt.Errorf("load non-scannable items: %w", nsRows.Err())
	}

	payRows, err := r.pool.Query(ctx, `
		SELECT id, document_control_number, status, last_modified
		FROM payments WHERE envelope_id = $1 ORDER BY document_control_number
	`, env.ID)
	if err != nil {
		return fmt.Errorf("load payments: %w", err)
	}
	defer payRows.Close()
	env.Payments = nil
	for payRows.Next() {
		var p model.Payment
		if err := payRows.Scan(&p.ID, &p.DocumentControlNumber, &p.Status, &p.LastModified); err != nil {
			return fmt.Errorf("scan payment: %w", err)
		}
		env.Payments = append(env.Payments, p)
	}
	if payRows.Err() != nil {
		return fmt.Errorf("load payments: %w", payRows.Err())
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
