package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fiscal-sync/internal/config"
	"fiscal-sync/internal/distfe"
	"fiscal-sync/internal/models"
)

type fakeStore struct {
	tenants  []models.Tenant
	certs    map[string]models.Certificate
	cursors  map[string]models.CursorState
	imports  []models.ImportedDoc
	channels map[string][]models.Channel
	upserts  []models.CursorState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		certs:    make(map[string]models.Certificate),
		cursors:  make(map[string]models.CursorState),
		channels: make(map[string][]models.Channel),
	}
}

func (f *fakeStore) ListSyncableTenants(context.Context) ([]models.Tenant, error) {
	return f.tenants, nil
}

func (f *fakeStore) GetCertificate(_ context.Context, tenantID string) (models.Certificate, bool, error) {
	c, ok := f.certs[tenantID]
	return c, ok, nil
}

func (f *fakeStore) GetCursorState(_ context.Context, tenantID string) (models.CursorState, error) {
	if st, ok := f.cursors[tenantID]; ok {
		return st, nil
	}
	return models.CursorState{TenantID: tenantID, LastCursor: "000000000000000"}, nil
}

func (f *fakeStore) UpsertCursorState(_ context.Context, st models.CursorState) error {
	f.cursors[st.TenantID] = st
	f.upserts = append(f.upserts, st)
	return nil
}

func (f *fakeStore) RecordImport(_ context.Context, doc models.ImportedDoc) error {
	f.imports = append(f.imports, doc)
	return nil
}

func (f *fakeStore) ListImportsBetween(_ context.Context, tenantID string, from, to time.Time) ([]models.ImportedDoc, error) {
	var out []models.ImportedDoc
	for _, d := range f.imports {
		if d.TenantID == tenantID && !d.ImportedAt.Before(from) && d.ImportedAt.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveChannels(_ context.Context, tenantID string) ([]models.Channel, error) {
	return f.channels[tenantID], nil
}

type fakeFetcher struct {
	res    distfe.Result
	err    error
	calls  int
	params []distfe.FetchParams
}

func (f *fakeFetcher) Fetch(_ context.Context, p distfe.FetchParams) (distfe.Result, error) {
	f.calls++
	f.params = append(f.params, p)
	return f.res, f.err
}

type fakeImporter struct {
	failCursors map[string]bool
	imported    []string
}

func (f *fakeImporter) Import(_ context.Context, _, _ string, meta ImportMeta) error {
	if f.failCursors[meta.Cursor] {
		return errors.New("invalid document")
	}
	f.imported = append(f.imported, meta.Cursor)
	return nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Enqueue(_ context.Context, _, _, _, text string) (string, error) {
	f.messages = append(f.messages, text)
	return "d1", nil
}

func testOrchestrator(st Store, fetch Fetcher, imp Importer, n Notifier) *Orchestrator {
	cfg := config.Config{
		SyncMinInterval: 30 * time.Minute,
		CooldownBase:    61 * time.Minute,
		CooldownMax:     24 * time.Hour,
		DigestHour:      18,
		DigestMaxChars:  2800,
	}
	o := New(cfg, st, fetch, imp, nil, n, zerolog.Nop())
	o.openBundle = func(string, []byte, []byte) (distfe.CertMaterial, error) {
		return distfe.CertMaterial{State: "SP"}, nil
	}
	return o
}

func tenantFixture(st *fakeStore) models.Tenant {
	t := models.Tenant{ID: "t1", Name: "Acme", TaxID: "12345678000190", Timezone: "America/Sao_Paulo", Active: true}
	st.tenants = []models.Tenant{t}
	st.certs["t1"] = models.Certificate{TenantID: "t1", Active: true}
	st.channels["t1"] = []models.Channel{{ID: "c1", TenantID: "t1", Contact: "5511999999999", Active: true}}
	return t
}

func TestSyncTenantSuccessAdvancesCursor(t *testing.T) {
	st := newFakeStore()
	tenantFixture(st)
	fetch := &fakeFetcher{res: distfe.Result{
		Docs: []distfe.Document{
			{Cursor: "000000000000001", XML: "<nfeProc/>"},
			{Cursor: "000000000000002", XML: "<nfeProc/>"},
		},
		FinalCursor: "000000000000002",
	}}
	imp := &fakeImporter{}
	o := testOrchestrator(st, fetch, imp, &fakeNotifier{})

	o.RunOnce(context.Background())

	got := st.cursors["t1"]
	if got.LastCursor != "000000000000002" {
		t.Fatalf("cursor = %q, want 000000000000002", got.LastCursor)
	}
	if got.StatusTag != "success" {
		t.Fatalf("status = %q, want success", got.StatusTag)
	}
	if got.LastSuccessAt == nil {
		t.Fatal("success timestamp not set")
	}
	if len(imp.imported) != 2 || len(st.imports) != 2 {
		t.Fatalf("imported %d, ledger %d, want 2/2", len(imp.imported), len(st.imports))
	}
}

func TestSyncTenantPartialSuccess(t *testing.T) {
	st := newFakeStore()
	tenantFixture(st)
	fetch := &fakeFetcher{res: distfe.Result{
		Docs: []distfe.Document{
			{Cursor: "000000000000001", XML: "<nfeProc/>"},
			{Cursor: "000000000000002", XML: "<nfeProc/>"},
			{Cursor: "000000000000003", XML: "<nfeProc/>"},
		},
		FinalCursor: "000000000000003",
	}}
	imp := &fakeImporter{failCursors: map[string]bool{"000000000000002": true}}
	o := testOrchestrator(st, fetch, imp, &fakeNotifier{})

	o.RunOnce(context.Background())

	got := st.cursors["t1"]
	if got.StatusTag != "success_partial:1" {
		t.Fatalf("status = %q, want success_partial:1", got.StatusTag)
	}
	// Forward progress survives the import failure.
	if got.LastCursor != "000000000000003" {
		t.Fatalf("cursor = %q, want 000000000000003", got.LastCursor)
	}
}

func TestSyncTenantHardErrorRecorded(t *testing.T) {
	st := newFakeStore()
	tenantFixture(st)
	fetch := &fakeFetcher{
		res: distfe.Result{FinalCursor: "000000000000005"},
		err: &distfe.ProtocolError{Status: "999", Message: "rejeicao"},
	}
	o := testOrchestrator(st, fetch, &fakeImporter{}, &fakeNotifier{})

	o.RunOnce(context.Background())

	got := st.cursors["t1"]
	if models.DecodeRunStatus(got.StatusTag).Kind != models.RunError {
		t.Fatalf("status = %q, want an error tag", got.StatusTag)
	}
	// The cursor reported before the failure is still persisted.
	if got.LastCursor != "000000000000005" {
		t.Fatalf("cursor = %q, want 000000000000005", got.LastCursor)
	}
	if got.LastSuccessAt != nil {
		t.Fatal("failed run must not stamp a success time")
	}
}

func TestSyncTenantRemoteRateLimitEntersCooldown(t *testing.T) {
	st := newFakeStore()
	tenantFixture(st)
	fetch := &fakeFetcher{
		res: distfe.Result{FinalCursor: "000000000000000"},
		err: &distfe.ProtocolError{Status: "656", Message: "consumo indevido"},
	}
	o := testOrchestrator(st, fetch, &fakeImporter{}, &fakeNotifier{})
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	o.RunOnce(context.Background())

	got := models.DecodeRunStatus(st.cursors["t1"].StatusTag)
	if got.Kind != models.RunCooldown {
		t.Fatalf("status kind = %q, want cooldown", got.Kind)
	}
	if !got.Until.Equal(now.Add(61 * time.Minute)) {
		t.Fatalf("cooldown until = %s, want %s", got.Until, now.Add(61*time.Minute))
	}
	// A cooldown run is logically successful.
	if st.cursors["t1"].LastSuccessAt == nil {
		t.Fatal("cooldown run must stamp a success time")
	}
}

func TestSyncTenantSkipsWhenBlocked(t *testing.T) {
	st := newFakeStore()
	tenantFixture(st)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-5 * time.Minute)
	st.cursors["t1"] = models.CursorState{
		TenantID:      "t1",
		LastCursor:    "000000000000009",
		LastSuccessAt: &recent,
		StatusTag:     "success",
	}
	fetch := &fakeFetcher{}
	o := testOrchestrator(st, fetch, &fakeImporter{}, &fakeNotifier{})
	o.now = func() time.Time { return now }

	o.RunOnce(context.Background())

	if fetch.calls != 0 {
		t.Fatalf("blocked tenant fetched %d times, want 0", fetch.calls)
	}
}

func TestSyncTenantSoftAbsenceOfCertificate(t *testing.T) {
	st := newFakeStore()
	tenantFixture(st)
	delete(st.certs, "t1")
	fetch := &fakeFetcher{}
	o := testOrchestrator(st, fetch, &fakeImporter{}, &fakeNotifier{})

	o.RunOnce(context.Background())

	if fetch.calls != 0 {
		t.Fatal("tenant without certificate must not hit the remote")
	}
	if len(st.upserts) != 0 {
		t.Fatal("soft no-op must leave cursor state untouched")
	}
}

func TestExtendCooldownCompounds(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	base := 61 * time.Minute

	// No previous cooldown: now + base.
	got := extendCooldown("success", now, base, 24*time.Hour)
	if !got.Equal(now.Add(base)) {
		t.Fatalf("fresh cooldown = %s, want %s", got, now.Add(base))
	}

	// Previous cooldown still active (40 minutes left): extend it by one
	// more base increment rather than restarting.
	prev := models.CooldownStatus("656", now.Add(40*time.Minute)).Encode()
	got = extendCooldown(prev, now, base, 24*time.Hour)
	want := now.Add(40*time.Minute + base)
	if !got.Equal(want) {
		t.Fatalf("compounded cooldown = %s, want %s", got, want)
	}

	// Expired cooldown does not compound.
	stale := models.CooldownStatus("656", now.Add(-time.Minute)).Encode()
	got = extendCooldown(stale, now, base, 24*time.Hour)
	if !got.Equal(now.Add(base)) {
		t.Fatalf("stale cooldown = %s, want %s", got, now.Add(base))
	}

	// The ceiling caps compounding.
	far := models.CooldownStatus("656", now.Add(23*time.Hour+30*time.Minute)).Encode()
	got = extendCooldown(far, now, base, 24*time.Hour)
	if !got.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("capped cooldown = %s, want %s", got, now.Add(24*time.Hour))
	}
}

func TestDigestTenantSendsChunksOncePerDay(t *testing.T) {
	st := newFakeStore()
	tenant := tenantFixture(st)
	loc, _ := time.LoadLocation(tenant.Timezone)
	now := time.Date(2025, 7, 2, 18, 10, 0, 0, loc)
	st.imports = []models.ImportedDoc{
		{TenantID: "t1", Cursor: "000000000000001", Schema: "procNFe_v4.00.xsd", ImportedAt: now.UTC().Add(-2 * time.Hour)},
	}
	n := &fakeNotifier{}
	o := testOrchestrator(st, &fakeFetcher{}, &fakeImporter{}, n)
	o.now = func() time.Time { return now.UTC() }

	o.runDigestPass(context.Background())
	if len(n.messages) == 0 {
		t.Fatal("digest produced no messages")
	}
	sent := len(n.messages)

	// Second pass in the same local hour must not resend.
	o.runDigestPass(context.Background())
	if len(n.messages) != sent {
		t.Fatalf("digest resent within the same day: %d -> %d", sent, len(n.messages))
	}
}

func TestDigestSkippedOutsideLocalHour(t *testing.T) {
	st := newFakeStore()
	tenant := tenantFixture(st)
	loc, _ := time.LoadLocation(tenant.Timezone)
	now := time.Date(2025, 7, 2, 9, 0, 0, 0, loc)
	n := &fakeNotifier{}
	o := testOrchestrator(st, &fakeFetcher{}, &fakeImporter{}, n)
	o.now = func() time.Time { return now.UTC() }

	o.runDigestPass(context.Background())
	if len(n.messages) != 0 {
		t.Fatalf("digest sent outside the local hour: %d messages", len(n.messages))
	}
}
