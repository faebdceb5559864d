package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fiscal-sync/internal/config"
	"fiscal-sync/internal/distfe"
	"fiscal-sync/internal/models"
	"fiscal-sync/internal/telemetry"
)

// Importer consumes a fetched document. Implementations validate and
// persist the fiscal record; a returned error counts against the run but
// never aborts the batch.
type Importer interface {
	Import(ctx context.Context, tenantID, xml string, meta ImportMeta) error
}

// ImportMeta accompanies each document handed to the importer.
type ImportMeta struct {
	Cursor string
	Schema string
}

// Fetcher is the protocol client surface the orchestrator drives.
type Fetcher interface {
	Fetch(ctx context.Context, p distfe.FetchParams) (distfe.Result, error)
}

// Archiver stores raw document XML before import. Optional.
type Archiver interface {
	Store(ctx context.Context, key string, body []byte) (string, error)
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	ListSyncableTenants(ctx context.Context) ([]models.Tenant, error)
	GetCertificate(ctx context.Context, tenantID string) (models.Certificate, bool, error)
	GetCursorState(ctx context.Context, tenantID string) (models.CursorState, error)
	UpsertCursorState(ctx context.Context, st models.CursorState) error
	RecordImport(ctx context.Context, doc models.ImportedDoc) error
	ListImportsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]models.ImportedDoc, error)
	ActiveChannels(ctx context.Context, tenantID string) ([]models.Channel, error)
}

// Notifier enqueues outbound messages produced by the digest job.
type Notifier interface {
	Enqueue(ctx context.Context, tenantID, target, instance, text string) (string, error)
}

// Orchestrator iterates active tenants, enforces the window policy,
// drives the protocol client, and persists cursor/status state.
type Orchestrator struct {
	cfg      config.Config
	store    Store
	fetcher  Fetcher
	importer Importer
	archive  Archiver
	notifier Notifier
	log      zerolog.Logger

	busy       atomic.Bool
	busyWarned atomic.Bool

	// now and openBundle are injectable for tests.
	now        func() time.Time
	openBundle func(secretKey string, bundle, password []byte) (distfe.CertMaterial, error)

	digestSentOn map[string]string // tenant -> local date of last digest
}

func New(cfg config.Config, st Store, f Fetcher, imp Importer, arc Archiver, n Notifier, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		store:        st,
		fetcher:      f,
		importer:     imp,
		archive:      arc,
		notifier:     n,
		log:          log,
		now:          time.Now,
		openBundle:   distfe.OpenBundle,
		digestSentOn: make(map[string]string),
	}
}

// Run ticks the sync pass on a fixed cadence until context cancellation.
// A tick that lands while a previous pass is still in flight is skipped
// entirely, with at most one warning per busy period.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SyncTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			go o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	if !o.busy.CompareAndSwap(false, true) {
		if o.busyWarned.CompareAndSwap(false, true) {
			o.log.Warn().Msg("previous sync pass still running, skipping tick")
		}
		return
	}
	defer func() {
		o.busy.Store(false)
		o.busyWarned.Store(false)
	}()
	o.RunOnce(ctx)
}

// RunOnce executes one orchestration pass over all syncable tenants.
// Per-tenant failures are isolated: logged, recorded, never propagated.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	tenants, err := o.store.ListSyncableTenants(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("list syncable tenants")
		return
	}
	for _, t := range tenants {
		if err := o.syncTenant(ctx, t); err != nil {
			telemetry.SyncRunsFailed.Inc()
			o.log.Error().Str("tenant", t.ID).Err(err).Msg("sync run failed")
		}
	}
}

func (o *Orchestrator) syncTenant(ctx context.Context, tenant models.Tenant) error {
	st, err := o.store.GetCursorState(ctx, tenant.ID)
	if err != nil {
		return err
	}
	now := o.now().UTC()
	if IsBlocked(st, o.cfg.SyncMinInterval, now) {
		return nil
	}

	cert, ok, err := o.store.GetCertificate(ctx, tenant.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Soft absence: zero documents, unchanged cursor.
		return nil
	}

	material, err := o.openBundle(o.cfg.CertSecretKey, cert.Bundle, cert.Password)
	if err != nil {
		return o.finishRun(ctx, tenant, st, st.LastCursor, now, models.ErrorStatus(err.Error()), err)
	}

	res, fetchErr := o.fetcher.Fetch(ctx, distfe.FetchParams{
		TaxID:  tenant.TaxID,
		Cursor: st.LastCursor,
		Cert:   material,
	})
	telemetry.DocumentsFetched.Add(float64(len(res.Docs)))

	importFailures := 0
	for _, doc := range res.Docs {
		archiveKey := ""
		if o.archive != nil {
			key := fmt.Sprintf("%s/%s.xml", tenant.ID, doc.Cursor)
			stored, err := o.archive.Store(ctx, key, []byte(doc.XML))
			if err != nil {
				o.log.Warn().Str("tenant", tenant.ID).Str("nsu", doc.Cursor).Err(err).Msg("archive document")
			} else {
				archiveKey = stored
			}
		}
		if err := o.importer.Import(ctx, tenant.ID, doc.XML, ImportMeta{Cursor: doc.Cursor, Schema: doc.Schema}); err != nil {
			importFailures++
			telemetry.ImportsFailed.Inc()
			o.log.Warn().Str("tenant", tenant.ID).Str("nsu", doc.Cursor).Err(err).Msg("document import failed")
			continue
		}
		telemetry.ImportsOK.Inc()
		if err := o.store.RecordImport(ctx, models.ImportedDoc{
			TenantID:   tenant.ID,
			Cursor:     doc.Cursor,
			Schema:     doc.Schema,
			ArchiveKey: archiveKey,
			ImportedAt: now,
		}); err != nil {
			o.log.Warn().Str("tenant", tenant.ID).Err(err).Msg("record import ledger")
		}
	}

	cursor := res.FinalCursor
	if cursor == "" {
		cursor = st.LastCursor
	}

	if fetchErr != nil {
		var perr *distfe.ProtocolError
		if errors.As(fetchErr, &perr) && perr.RateLimited() {
			// The remote asked us to pause. That is a successful run
			// entering cooldown, not a failure.
			until := extendCooldown(st.StatusTag, now, o.cfg.CooldownBase, o.cfg.CooldownMax)
			status := models.CooldownStatus(perr.Status, until)
			telemetry.SyncRunsCooldown.Inc()
			o.log.Info().Str("tenant", tenant.ID).Time("until", until).Msg("remote rate limit, entering cooldown")
			return o.finishRun(ctx, tenant, st, cursor, now, status, nil)
		}
		return o.finishRun(ctx, tenant, st, cursor, now, models.ErrorStatus(fetchErr.Error()), fetchErr)
	}

	status := models.SuccessStatus()
	if importFailures > 0 {
		status = models.PartialStatus(importFailures)
	}
	telemetry.SyncRunsOK.Inc()
	return o.finishRun(ctx, tenant, st, cursor, now, status, nil)
}

// finishRun persists cursor and status atomically regardless of outcome,
// then surfaces the original error so the caller records the failure.
func (o *Orchestrator) finishRun(ctx context.Context, tenant models.Tenant, prev models.CursorState, cursor string, now time.Time, status models.RunStatus, runErr error) error {
	next := models.CursorState{
		TenantID:      tenant.ID,
		LastCursor:    cursor,
		LastAttemptAt: &now,
		StatusTag:     status.Encode(),
	}
	if status.Successful() {
		next.LastSuccessAt = &now
	} else {
		next.LastSuccessAt = prev.LastSuccessAt
	}
	if err := o.store.UpsertCursorState(ctx, next); err != nil {
		o.log.Error().Str("tenant", tenant.ID).Err(err).Msg("persist cursor state")
		if runErr == nil {
			return err
		}
	}
	return runErr
}

// extendCooldown computes the compounding pause: base from now, extended
// by one more base increment when a previous cooldown is still active,
// capped at the ceiling. The extension is deliberately linear.
func extendCooldown(prevTag string, now time.Time, base, max time.Duration) time.Time {
	until := now.Add(base)
	if prev := models.CooldownUntil(prevTag); prev != nil && prev.After(now) {
		until = prev.Add(base)
	}
	if ceiling := now.Add(max); until.After(ceiling) {
		until = ceiling
	}
	return until
}
