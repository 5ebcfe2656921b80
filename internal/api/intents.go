package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/intent-realtime/internal/model"
)

const intentsPath = "/api/intents"

// ListIntentsOptions filters and pages ListIntents.
type ListIntentsOptions struct {
	Limit  int
	Offset int
	Status model.IntentStatus
}

// IntentList is one page of intents.
//
// The endpoint answers either with a plain array or with a paged object
// {items, total, limit, offset}. For a plain array Total is len(Items) and
// Paged is false.
type IntentList struct {
	Items  []model.Intent `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
	Paged  bool           `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *IntentList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []model.Intent
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*l = IntentList{Items: items, Total: len(items)}
		return nil
	}

	type paged IntentList
	var p paged
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*l = IntentList(p)
	l.Paged = true
	return nil
}

// ListIntents fetches one page of intents.
func (c *Client) ListIntents(ctx context.Context, opts ListIntentsOptions) (*IntentList, error) {
	query := url.Values{}

	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Status != "" {
		query.Set("status", string(opts.Status))
	}

	var resp IntentList
	if err := c.get(ctx, intentsPath, query, &resp); err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}

	return &resp, nil
}

// ListAllIntents fetches every intent by paging through results.
func (c *Client) ListAllIntents(ctx context.Context) ([]model.Intent, error) {
	var all []model.Intent
	opts := ListIntentsOptions{Limit: c.pageSize}

	for {
		resp, err := c.ListIntents(ctx, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, resp.Items...)

		if !resp.Paged || len(resp.Items) == 0 || opts.Offset+len(resp.Items) >= resp.Total {
			break
		}
		opts.Offset += len(resp.Items)
	}

	return all, nil
}

// GetIntent fetches a single intent by id.
func (c *Client) GetIntent(ctx context.Context, id string) (*model.Intent, error) {
	var resp model.Intent
	if err := c.get(ctx, intentsPath+"/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("get intent %s: %w", id, err)
	}
	return &resp, nil
}
