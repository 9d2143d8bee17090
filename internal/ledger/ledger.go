package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/opencatd/opencatd/internal/kv"
	"github.com/opencatd/opencatd/internal/models"
	"github.com/opencatd/opencatd/internal/pricing"
)

// Ledger accumulates per-member token usage and cost, keyed by upstream
// model. Writes are best-effort accounting: the merged record is committed
// with an unguarded atomic batch, so a concurrent metering flush may lose an
// update but can never leave a partial write.
type Ledger struct {
	store  kv.Store
	prices *pricing.Table
}

// New constructs a Ledger on the given store and price table.
func New(store kv.Store, prices *pricing.Table) *Ledger {
	return &Ledger{store: store, prices: prices}
}

func usageKey(memberID int) string { return kv.Key("usage", "id", strconv.Itoa(memberID)) }

var usagePrefix = kv.Prefix("usage", "id")

// Summary is one row of the usage listing.
type Summary struct {
	MemberID    int    `json:"memberId"`
	TotalTokens int    `json:"totalTokens"`
	Cost        string `json:"cost"`
}

// Record prices the counted tokens and folds them into the member's usage
// record, creating it on first use. Unknown models accumulate tokens at zero
// cost. It returns the priced delta that was applied.
func (l *Ledger) Record(ctx context.Context, memberID int, model string, promptTokens, completionTokens int) (models.ModelUsage, error) {
	entry, errGet := l.store.Get(ctx, usageKey(memberID))
	if errGet != nil {
		return models.ModelUsage{}, errGet
	}

	record := models.UsageRecord{MemberID: memberID}
	if entry.Exists() {
		if errDecode := json.Unmarshal(entry.Value, &record); errDecode != nil {
			return models.ModelUsage{}, fmt.Errorf("ledger: decode usage %d: %w", memberID, errDecode)
		}
	}

	price, _ := l.prices.Lookup(model)
	delta := models.ModelUsage{
		Model: model,
		Prompt: models.UsageCounter{
			Tokens: promptTokens,
			Cost:   price.Prompt * float64(promptTokens),
		},
		Completion: models.UsageCounter{
			Tokens: completionTokens,
			Cost:   price.Completion * float64(completionTokens),
		},
	}
	record.Add(delta)

	data, errEncode := json.Marshal(record)
	if errEncode != nil {
		return models.ModelUsage{}, fmt.Errorf("ledger: encode usage %d: %w", memberID, errEncode)
	}
	ok, errApply := l.store.Atomic(ctx, nil, []kv.Mutation{kv.Put(usageKey(memberID), data)})
	if errApply != nil {
		return models.ModelUsage{}, errApply
	}
	if !ok {
		return models.ModelUsage{}, kv.ErrConflict
	}
	return delta, nil
}

// Summaries lists every member's total tokens and cost, sorted by member id.
// Cost is rendered with seven decimal places.
func (l *Ledger) Summaries(ctx context.Context) ([]Summary, error) {
	entries, errList := l.store.List(ctx, usagePrefix)
	if errList != nil {
		return nil, errList
	}
	out := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		var record models.UsageRecord
		if errDecode := json.Unmarshal(entry.Value, &record); errDecode != nil {
			return nil, fmt.Errorf("ledger: decode usage %s: %w", entry.Key, errDecode)
		}
		out = append(out, Summary{
			MemberID:    record.MemberID,
			TotalTokens: record.TotalTokens(),
			Cost:        strconv.FormatFloat(record.TotalCost(), 'f', 7, 64),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

// Usage returns one member's raw usage record; ok is false when the member
// has no metered requests yet.
func (l *Ledger) Usage(ctx context.Context, memberID int) (models.UsageRecord, bool, error) {
	entry, errGet := l.store.Get(ctx, usageKey(memberID))
	if errGet != nil {
		return models.UsageRecord{}, false, errGet
	}
	if !entry.Exists() {
		return models.UsageRecord{}, false, nil
	}
	var record models.UsageRecord
	if errDecode := json.Unmarshal(entry.Value, &record); errDecode != nil {
		return models.UsageRecord{}, false, fmt.Errorf("ledger: decode usage %d: %w", memberID, errDecode)
	}
	return record, true, nil
}
