package job

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing jobs.
type SortOrder int

const (
	// SortByUpdatedDesc orders jobs by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders jobs by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how jobs are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Kinds      []Kind
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
	Query      string
}

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
	if opts.Kinds != nil {
		opts.Kinds = normalizeKinds(opts.Kinds)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of jobs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching jobs.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters jobs by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithKinds filters jobs by kind.
func WithKinds(kinds ...Kind) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = append(opts.Kinds[:0], kinds...)
	}
}

// WithUpdatedSince filters jobs updated at or after ts.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil filters jobs updated at or before ts.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of jobs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters jobs by substring match on id, payload and last error.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
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

func normalizeKinds(input []Kind) []Kind {
	result := make([]Kind, 0, len(input))
	for _, kind := range input {
		if IsValidKind(kind) {
			result = append(result, kind)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func (opts ListOptions) matches(job *Job) bool {
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, job.Status) {
		return false
	}
	if len(opts.Kinds) > 0 && !containsKind(opts.Kinds, job.Kind) {
		return false
	}
	if opts.UpdatedGTE > 0 && job.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && job.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		if !strings.Contains(job.ID, opts.Query) &&
			!strings.Contains(string(job.Payload), opts.Query) &&
			!strings.Contains(job.LastError, opts.Query) {
			return false
		}
	}
	return true
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func containsKind(list []Kind, kind Kind) bool {
	for _, k := range list {
		if k == kind {
			return true
		}
	}
	return false
}
