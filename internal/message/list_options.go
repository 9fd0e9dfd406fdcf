package message

import "strings"

// SortOrder defines how results should be ordered when listing messages.
type SortOrder int

const (
	// SortByUpdatedDesc orders messages by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders messages by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how messages are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasReceipt *bool
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of messages returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching messages before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters messages by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses, statuses...)
	}
}

// WithUpdatedRange filters messages whose UpdatedAt falls inside [gte, lte].
// A zero bound disables that side of the range.
func WithUpdatedRange(gte, lte int64) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedGTE = gte
		opts.UpdatedLTE = lte
	}
}

// WithHasReceipt filters messages by receipt presence.
func WithHasReceipt(has bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasReceipt = &has
	}
}

// WithOrder sets the sort order of the listing.
func WithOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(statuses []Status) []Status {
	seen := make(map[Status]struct{}, len(statuses))
	normalized := make([]Status, 0, len(statuses))
	for _, status := range statuses {
		status = Status(strings.ToLower(strings.TrimSpace(string(status))))
		if status == "" {
			continue
		}
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		normalized = append(normalized, status)
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}
