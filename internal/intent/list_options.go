package intent

import (
	"github.com/ethereum/go-ethereum/common"
)

// SortOrder defines how results should be ordered when listing intents.
type SortOrder int

const (
	// SortByCreatedDesc orders intents by CreatedAt descending (most recent first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders intents by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how intents are selected when querying the store.
type ListOptions struct {
	Limit    int
	Offset   int
	AgentID  *common.Hash
	Relayer  *common.Address
	Statuses []Status
	Order    SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of intents returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching intents before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithAgent restricts results to a single agent.
func WithAgent(agentID common.Hash) ListOption {
	return func(opts *ListOptions) {
		opts.AgentID = &agentID
	}
}

// WithRelayer restricts results to intents carried by one relayer.
func WithRelayer(relayer common.Address) ListOption {
	return func(opts *ListOptions) {
		opts.Relayer = &relayer
	}
}

// WithStatuses filters intents by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithSortOrder changes the returned order of intents.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func (opts ListOptions) matches(in *Intent) bool {
	if opts.AgentID != nil && in.AgentID != *opts.AgentID {
		return false
	}
	if opts.Relayer != nil && in.Relayer != *opts.Relayer {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, status := range opts.Statuses {
		if in.Status == status {
			return true
		}
	}
	return false
}
