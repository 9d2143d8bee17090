package models

// UsageRecord is the per-member metering ledger, one record per member,
// created lazily on the first metered request. Entries under Models are
// unique by model name and only ever grow.
type UsageRecord struct {
	MemberID int          `json:"user_id"`
	Models   []ModelUsage `json:"usages_version"`
}

// ModelUsage accumulates token counts and cost for one upstream model.
type ModelUsage struct {
	Model      string       `json:"version"`
	Prompt     UsageCounter `json:"prompt"`
	Completion UsageCounter `json:"completion"`
}

// UsageCounter is one side (prompt or completion) of a model's accumulation.
type UsageCounter struct {
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Add merges counted tokens and cost for a model into the record, appending
// a new entry when the model has not been seen before.
func (u *UsageRecord) Add(entry ModelUsage) {
	for i := range u.Models {
		if u.Models[i].Model == entry.Model {
			u.Models[i].Prompt.Tokens += entry.Prompt.Tokens
			u.Models[i].Prompt.Cost += entry.Prompt.Cost
			u.Models[i].Completion.Tokens += entry.Completion.Tokens
			u.Models[i].Completion.Cost += entry.Completion.Cost
			return
		}
	}
	u.Models = append(u.Models, entry)
}

// TotalTokens sums prompt and completion tokens across all models.
func (u UsageRecord) TotalTokens() int {
	total := 0
	for _, m := range u.Models {
		total += m.Prompt.Tokens + m.Completion.Tokens
	}
	return total
}

// TotalCost sums prompt and completion cost across all models.
func (u UsageRecord) TotalCost() float64 {
	total := 0.0
	for _, m := range u.Models {
		total += m.Prompt.Cost + m.Completion.Cost
	}
	return total
}
