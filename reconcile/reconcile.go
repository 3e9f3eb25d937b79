// Package reconcile decides, per snapshot item, whether the inventory needs a new
// record, an update to an existing one, or nothing at all, and applies it.
//
// Matching is restricted to records of the item's source and uses, in order:
// sku, listingId, url. Items carrying neither sku nor listingId are skipped; a
// bare title is not a safe key. Write failures are collected, never retried, and
// never abort the rest of the batch.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketplace-listing-sync/inventory"
	"marketplace-listing-sync/listing"
	"marketplace-listing-sync/snapshot"
)

type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionUnchanged Action = "unchanged"
	ActionSkip      Action = "skip"
	ActionFailed    Action = "failed"
)

// Matching rules.
const (
	RuleSKU       = "sku"
	RuleListingID = "listingId"
	RuleURL       = "url"
)

// Outcome is the per-item result; every applied change names its item and rule.
type Outcome struct {
	Key       string
	SKU       string
	ListingID string
	Action    Action
	Rule      string
	RecordID  string
	Conflict  string
	Err       error
}

// Summary of one reconciliation run.
type Summary struct {
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
	Failures  []*listing.WriteError
	Outcomes  []Outcome
}

func (s Summary) String() string {
	return fmt.Sprintf("created=%d updated=%d unchanged=%d skipped=%d failed=%d",
		s.Created, s.Updated, s.Unchanged, s.Skipped, len(s.Failures))
}

// OutcomeRecorder receives one call per item (metrics).
type OutcomeRecorder interface {
	RecordOutcome(action string)
}

type Options struct {
	Log      *zap.Logger
	Now      func() time.Time
	Recorder OutcomeRecorder
}

type Reconciler struct {
	store inventory.Store
	log   *zap.Logger
	now   func() time.Time
	rec   OutcomeRecorder
}

func New(store inventory.Store, opts Options) *Reconciler {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{store: store, log: opts.Log, now: opts.Now, rec: opts.Recorder}
}

// ───────── Matching ─────────

// Match is the result of FindMatch. Index is -1 when nothing matched. Conflict is
// set when a lower-precedence rule pointed at a different record than the winner.
type Match struct {
	Index    int
	Rule     string
	Conflict string
}

// FindMatch searches records (already restricted to the item's source or not)
// for item, honoring sku > listingId > url precedence.
func FindMatch(records []inventory.Record, it listing.Item) Match {
	sku := strings.TrimSpace(it.SKU)
	lid := strings.TrimSpace(it.ListingID)
	u := strings.TrimSpace(it.URL)

	byRule := func(pred func(r inventory.Record) bool) int {
		for i, r := range records {
			if r.Source == it.Source && pred(r) {
				return i
			}
		}
		return -1
	}
	rules := []struct {
		name string
		idx  int
	}{
		{RuleSKU, -1},
		{RuleListingID, -1},
		{RuleURL, -1},
	}
	if sku != "" {
		rules[0].idx = byRule(func(r inventory.Record) bool { return r.SKU == sku })
	}
	if lid != "" {
		rules[1].idx = byRule(func(r inventory.Record) bool { return r.ListingID == lid })
	}
	if u != "" {
		rules[2].idx = byRule(func(r inventory.Record) bool { return r.URL == u })
	}

	m := Match{Index: -1}
	var conflicts []string
	for _, r := range rules {
		if r.idx < 0 {
			continue
		}
		if m.Index < 0 {
			m.Index, m.Rule = r.idx, r.name
			continue
		}
		if r.idx != m.Index {
			conflicts = append(conflicts, fmt.Sprintf("%s matches record %s", r.name, records[r.idx].ID))
		}
	}
	m.Conflict = strings.Join(conflicts, "; ")
	return m
}

// ───────── Run ─────────

// Run reconciles every snapshot item. Per-item write failures land in
// Summary.Failures. The returned error is non-nil when the inventory could not be
// read (empty summary) or when ctx ended mid-run; in the latter case the summary
// holds the items processed so far.
func (r *Reconciler) Run(ctx context.Context, snap snapshot.Snapshot) (Summary, error) {
	views := map[string][]inventory.Record{}
	for _, it := range snap.Items {
		if _, ok := views[it.Source]; ok {
			continue
		}
		recs, err := r.store.List(ctx, it.Source)
		if err != nil {
			return Summary{}, fmt.Errorf("inventory read (source=%s): %w", it.Source, err)
		}
		views[it.Source] = recs
	}

	var sum Summary
	for _, it := range snap.Items {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		out := r.reconcileItem(ctx, views, it)
		sum.Outcomes = append(sum.Outcomes, out)
		switch out.Action {
		case ActionCreate:
			sum.Created++
		case ActionUpdate:
			sum.Updated++
		case ActionUnchanged:
			sum.Unchanged++
		case ActionSkip:
			sum.Skipped++
		case ActionFailed:
			sum.Failures = append(sum.Failures, out.Err.(*listing.WriteError))
		}
		if r.rec != nil {
			r.rec.RecordOutcome(string(out.Action))
		}
	}
	return sum, nil
}

// RunAudited is Run followed by AppendAudit at path. Outcomes of a run cut short by
// ctx are appended too. An audit failure is logged, not returned.
func (r *Reconciler) RunAudited(ctx context.Context, snap snapshot.Snapshot, path, runID string) (Summary, error) {
	sum, err := r.Run(ctx, snap)
	if len(sum.Outcomes) == 0 {
		return sum, err
	}
	if aerr := AppendAudit(path, runID, r.now(), sum.Outcomes); aerr != nil {
		r.log.Warn("audit csv", zap.String("path", path), zap.Error(aerr))
	}
	if err != nil {
		r.log.Error("reconcile interrupted", zap.Int("applied", len(sum.Outcomes)), zap.Int("items", len(snap.Items)), zap.Error(err))
	}
	return sum, err
}

func (r *Reconciler) reconcileItem(ctx context.Context, views map[string][]inventory.Record, it listing.Item) Outcome {
	out := Outcome{Key: it.MatchingKey(), SKU: it.SKU, ListingID: it.ListingID}
	if strings.TrimSpace(it.SKU) == "" && strings.TrimSpace(it.ListingID) == "" {
		out.Action = ActionSkip
		r.log.Debug("skipping item without sku or listing id", zap.String("key", out.Key))
		return out
	}

	view := views[it.Source]
	m := FindMatch(view, it)
	out.Rule, out.Conflict = m.Rule, m.Conflict
	if m.Conflict != "" {
		r.log.Warn("ambiguous inventory match; using highest-precedence rule",
			zap.String("key", out.Key), zap.String("rule", m.Rule), zap.String("conflict", m.Conflict))
	}

	now := r.now().UTC()
	if m.Index < 0 {
		zero := listing.PriceFromFloat(0)
		p := payloadFor(it, nil, now)
		p.PricePaid = &zero
		id, err := r.store.Create(ctx, p)
		if err != nil {
			return r.failed(out, "create", "", err)
		}
		out.Action, out.RecordID = ActionCreate, id
		views[it.Source] = append(view, inventory.Record{ID: id}.Apply(p, true))
		return out
	}

	existing := view[m.Index]
	out.RecordID = existing.ID
	p := payloadFor(it, &existing, now)
	if unchanged(existing, p) {
		out.Action = ActionUnchanged
		return out
	}
	if err := r.store.Update(ctx, existing.ID, p); err != nil {
		return r.failed(out, "update", existing.ID, err)
	}
	out.Action = ActionUpdate
	view[m.Index] = existing.Apply(p, false)
	return out
}

func (r *Reconciler) failed(out Outcome, op, id string, err error) Outcome {
	we := &listing.WriteError{Op: op, Key: out.Key, RecordID: id, Err: err}
	r.log.Error("inventory write failed", zap.String("op", op), zap.String("key", out.Key), zap.String("id", id), zap.Error(err))
	out.Action, out.Err = ActionFailed, we
	return out
}

// payloadFor builds the write for it. Identifiers the item does not carry keep
// their stored values; PricePaid is never set on update.
func payloadFor(it listing.Item, existing *inventory.Record, now time.Time) inventory.Payload {
	p := inventory.Payload{
		Source:    it.Source,
		SKU:       strings.TrimSpace(it.SKU),
		ListingID: strings.TrimSpace(it.ListingID),
		URL:       strings.TrimSpace(it.URL),
		Title:     it.Title,
		Stock:     it.AvailableQuantity,
		Price:     it.Price,
		Currency:  listing.NormalizeCurrency(it.Currency),
		OfferID:   strings.TrimSpace(it.OfferID),
		UpdatedAt: now,
	}
	if existing != nil {
		p.SKU = keep(p.SKU, existing.SKU)
		p.ListingID = keep(p.ListingID, existing.ListingID)
		p.URL = keep(p.URL, existing.URL)
		p.OfferID = keep(p.OfferID, existing.OfferID)
	}
	return p
}

func keep(v, stored string) string {
	if v == "" {
		return stored
	}
	return v
}

func unchanged(r inventory.Record, p inventory.Payload) bool {
	if p.Price.Valid() && !p.Price.Equal(r.Price) {
		return false
	}
	return r.SKU == p.SKU &&
		r.ListingID == p.ListingID &&
		r.URL == p.URL &&
		r.Title == p.Title &&
		r.Stock == p.Stock &&
		r.Currency == p.Currency &&
		r.OfferID == p.OfferID
}
