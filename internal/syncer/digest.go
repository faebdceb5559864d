package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fiscal-sync/internal/models"
)

// RunDigests evaluates the daily digest on a slow cadence until context
// cancellation. Each tenant receives its digest once per tenant-local day,
// at the configured local wall-clock hour.
func (o *Orchestrator) RunDigests(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.runDigestPass(ctx)
		}
	}
}

func (o *Orchestrator) runDigestPass(ctx context.Context) {
	tenants, err := o.store.ListSyncableTenants(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("list tenants for digest")
		return
	}
	for _, t := range tenants {
		if err := o.digestTenant(ctx, t); err != nil {
			o.log.Error().Str("tenant", t.ID).Err(err).Msg("digest failed")
		}
	}
}

func (o *Orchestrator) digestTenant(ctx context.Context, tenant models.Tenant) error {
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		loc = time.UTC
	}
	localNow := o.now().In(loc)
	if localNow.Hour() != o.cfg.DigestHour {
		return nil
	}
	localDate := localNow.Format("2006-01-02")
	if o.digestSentOn[tenant.ID] == localDate {
		return nil
	}

	dayStart := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
	imports, err := o.store.ListImportsBetween(ctx, tenant.ID, dayStart.UTC(), dayStart.Add(24*time.Hour).UTC())
	if err != nil {
		return err
	}

	st, err := o.store.GetCursorState(ctx, tenant.ID)
	if err != nil {
		return err
	}
	cooldown := models.CooldownUntil(st.StatusTag)
	if cooldown != nil && !cooldown.After(o.now()) {
		cooldown = nil
	}

	text := renderDigest(tenant, localNow, imports, cooldown, loc)
	chunks := SplitMessage(text, o.cfg.DigestMaxChars)

	channels, err := o.store.ActiveChannels(ctx, tenant.ID)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		for _, chunk := range chunks {
			if _, err := o.notifier.Enqueue(ctx, tenant.ID, ch.Contact, ch.Instance, chunk); err != nil {
				return fmt.Errorf("enqueue digest chunk: %w", err)
			}
		}
	}

	o.digestSentOn[tenant.ID] = localDate
	return nil
}

func renderDigest(tenant models.Tenant, localNow time.Time, imports []models.ImportedDoc, cooldown *time.Time, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary for %s — %s\n", tenant.Name, localNow.Format("2006-01-02"))
	fmt.Fprintf(&b, "Documents imported today: %d\n", len(imports))
	for _, doc := range imports {
		label := doc.Schema
		if label == "" {
			label = "document"
		}
		fmt.Fprintf(&b, "• NSU %s (%s)\n", doc.Cursor, label)
	}
	if cooldown != nil {
		fmt.Fprintf(&b, "Synchronization paused until %s\n", cooldown.In(loc).Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// SplitMessage breaks text into chunks of at most maxChars, preferring
// line boundaries and hard-slicing only a single oversized line. Chunks
// beyond the first carry a running "(i/n) " prefix; stripping the
// prefixes and concatenating the bodies reconstructs the input exactly.
func SplitMessage(text string, maxChars int) []string {
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}

	// Reserve room for the widest prefix we expect to emit.
	budget := maxChars - len("(99/99) ")
	if budget < 1 {
		budget = 1
	}

	// Tokens keep their trailing newline so bodies concatenate back to
	// the original text.
	lines := strings.SplitAfter(text, "\n")
	var bodies []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			bodies = append(bodies, cur.String())
			cur.Reset()
		}
	}

	for _, line := range lines {
		if line == "" {
			continue
		}
		if len(line) > budget {
			flush()
			for len(line) > budget {
				bodies = append(bodies, line[:budget])
				line = line[budget:]
			}
			if line != "" {
				cur.WriteString(line)
			}
			continue
		}
		if cur.Len()+len(line) > budget {
			flush()
		}
		cur.WriteString(line)
	}
	flush()

	if len(bodies) <= 1 {
		return []string{text}
	}
	out := make([]string, len(bodies))
	out[0] = bodies[0]
	for i := 1; i < len(bodies); i++ {
		out[i] = fmt.Sprintf("(%d/%d) %s", i+1, len(bodies), bodies[i])
	}
	return out
}
