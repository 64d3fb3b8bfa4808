package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Row is a backend record as raw column values.
type Row = map[string]any

// Filter is a single column predicate, encoded PostgREST-style
// (column=op.value) on the query string.
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Eq filters on column equality.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: "eq", Value: fmt.Sprint(value)}
}

// IsNull filters on the column being null.
func IsNull(column string) Filter {
	return Filter{Column: column, Op: "is", Value: "null"}
}

// Gte filters on the column being at least the value.
func Gte(column string, value any) Filter {
	return Filter{Column: column, Op: "gte", Value: fmt.Sprint(value)}
}

// Lt filters on the column being strictly below the value.
func Lt(column string, value any) Filter {
	return Filter{Column: column, Op: "lt", Value: fmt.Sprint(value)}
}

// ListOptions control paging and ordering on Select.
type ListOptions struct {
	Limit   int
	Offset  int
	OrderBy string
}

func (c *Client) tableURL(table string, filters []Filter, opts *ListOptions) string {
	values := url.Values{}
	// Add, not Set: range predicates repeat a column (gte + lt).
	for _, f := range filters {
		values.Add(f.Column, f.Op+"."+f.Value)
	}
	if opts != nil {
		if opts.Limit > 0 {
			values.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			values.Set("offset", strconv.Itoa(opts.Offset))
		}
		if opts.OrderBy != "" {
			values.Set("order", opts.OrderBy)
		}
	}

	u := c.baseURL + "/" + table
	if encoded := values.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

// Select returns the rows matching the filters.
func (c *Client) Select(ctx context.Context, table string, filters []Filter, opts *ListOptions) ([]Row, error) {
	raw, err := c.do(ctx, http.MethodGet, c.tableURL(table, filters, opts), nil)
	if err != nil {
		return nil, err
	}

	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	return rows, nil
}

// SelectOne returns the single row matching the filters, or (nil, nil) when
// none matches. More than one match is an error: callers use this for
// natural-key lookups where duplicates mean the key is not natural after all.
func (c *Client) SelectOne(ctx context.Context, table string, filters []Filter) (Row, error) {
	rows, err := c.Select(ctx, table, filters, &ListOptions{Limit: 2})
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("expected at most one %s row, backend returned several", table)
	}
}

// Insert creates a row and returns the stored representation, including the
// backend-assigned id.
func (c *Client) Insert(ctx context.Context, table string, payload Row) (Row, error) {
	raw, err := c.do(ctx, http.MethodPost, c.tableURL(table, nil, nil), payload)
	if err != nil {
		return nil, err
	}
	return decodeOne(table, raw)
}

// Update patches the rows matching the filters and returns the first stored
// representation.
func (c *Client) Update(ctx context.Context, table string, filters []Filter, patch Row) (Row, error) {
	raw, err := c.do(ctx, http.MethodPatch, c.tableURL(table, filters, nil), patch)
	if err != nil {
		return nil, err
	}
	return decodeOne(table, raw)
}

// Delete removes the rows matching the filters.
func (c *Client) Delete(ctx context.Context, table string, filters []Filter) error {
	_, err := c.do(ctx, http.MethodDelete, c.tableURL(table, filters, nil), nil)
	return err
}

// decodeOne handles the backend's habit of echoing mutations back as a
// one-element array.
func decodeOne(table string, raw []byte) (Row, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var rows []Row
	if err := json.Unmarshal(raw, &rows); err == nil {
		if len(rows) == 0 {
			return nil, nil
		}
		return rows[0], nil
	}

	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode %s row: %w", table, err)
	}
	return row, nil
}
