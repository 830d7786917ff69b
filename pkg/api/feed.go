package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/chainfeed/pkg/feed"
	"go.uber.org/zap"
)

// Page is one page of the feed.
type Page struct {
	Items      []feed.Event
	Page       int
	PageSize   int
	TotalCount int
	// More is false once a page comes back with fewer than PageSize items.
	More bool
}

type pageData struct {
	Items      []json.RawMessage `json:"items"`
	TotalCount int               `json:"total_count"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
}

// FeedPage fetches one page of the caller's feed. Pages are 1-based.
func (c *Client) FeedPage(ctx context.Context, page, pageSize int) (Page, error) {
	if page < 1 || pageSize < 1 {
		return Page{}, fmt.Errorf("invalid page %d/%d", page, pageSize)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"page":      strconv.Itoa(page),
			"page_size": strconv.Itoa(pageSize),
		}).
		Get("/feed")
	if err := check(resp, err); err != nil {
		return Page{}, fmt.Errorf("fetch feed page %d: %w", page, err)
	}

	var data pageData
	if err := decodeEnvelope(resp.Body(), &data); err != nil {
		return Page{}, fmt.Errorf("fetch feed page %d: %w", page, err)
	}

	out := Page{
		Items:      make([]feed.Event, 0, len(data.Items)),
		Page:       page,
		PageSize:   pageSize,
		TotalCount: data.TotalCount,
		More:       len(data.Items) == pageSize,
	}
	for _, raw := range data.Items {
		e, err := feed.ParseEvent(raw)
		if err != nil {
			c.logger.Debug("Skipping malformed feed item", zap.Int("page", page), zap.Error(err))
			continue
		}
		out.Items = append(out.Items, e)
	}
	return out, nil
}

// errPageSkipped marks a page whose fetch never ran.
var errPageSkipped = errors.New("feed page not fetched")

// Backfill loads up to maxPages pages concurrently and returns their events in
// page order, stopping after the first short page. On error the events of the
// pages before the failing one are still returned.
func (c *Client) Backfill(ctx context.Context, pageSize, maxPages int) ([]feed.Event, error) {
	if maxPages < 1 {
		maxPages = 1
	}

	pool := pond.NewPool(min(c.concurrency, maxPages))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	pages := make([]Page, maxPages)
	errs := make([]error, maxPages)
	for i := range maxPages {
		errs[i] = errPageSkipped
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			pages[i], errs[i] = c.FeedPage(groupCtx, i+1, pageSize)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		c.logger.Warn("Parallel feed fetch encountered error", zap.Error(err))
	}

	var events []feed.Event
	for i := range maxPages {
		if err := errs[i]; err != nil {
			if errors.Is(err, errPageSkipped) && ctx.Err() != nil {
				err = ctx.Err()
			}
			return events, err
		}
		events = append(events, pages[i].Items...)
		if !pages[i].More {
			break
		}
	}
	return events, nil
}
