package apiclient

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"dvsync/internal/syncerr"
)

const (
	nextLinkKey = "@odata.nextLink"
	valueKey    = "value"

	// orderbyTruncateLimit caps the fallback record count when a server
	// rejects $orderby and forces a degraded, unordered fetch (spec.md
	// §4.E): truncating protects against an unbounded crawl of an entity
	// set whose paging contract we can no longer rely on.
	orderbyTruncateLimit = 5000
)

// PageResult is the outcome of a full-entity-set fetch: the decoded
// records and whether the set was truncated by the orderby fallback.
type PageResult struct {
	Records   []map[string]any
	Truncated bool
}

// FetchAllPages walks entitySet starting at query (a relative OData URL,
// e.g. "accounts?$select=...&$orderby=accountid"), following
// @odata.nextLink until exhausted (spec.md §4.E).
//
// If the server rejects the $orderby clause (a common Dataverse quirk
// for entities without a supported sort column), the fetch is retried
// once without $orderby and the result is capped at
// orderbyTruncateLimit records, since pagination without a stable sort
// order can otherwise repeat or skip rows across pages.
func (c *Client) FetchAllPages(ctx context.Context, query string) (PageResult, error) {
	records, err := c.fetchPages(ctx, query, 0)
	if err == nil {
		return PageResult{Records: records}, nil
	}
	if !isOrderbyRejection(err) {
		return PageResult{}, err
	}

	fallbackQuery := stripOrderby(query)
	records, err = c.fetchPages(ctx, fallbackQuery, orderbyTruncateLimit)
	if err != nil {
		return PageResult{}, err
	}
	truncated := len(records) >= orderbyTruncateLimit
	if truncated {
		records = records[:orderbyTruncateLimit]
		c.log.Warn("apiclient: $orderby rejected; unordered fetch truncated",
			zap.String("query", query), zap.Int("limit", orderbyTruncateLimit))
	}
	return PageResult{Records: records, Truncated: truncated}, nil
}

// fetchPages follows nextLink from query, stopping once limit records
// are collected; limit <= 0 means no cap.
func (c *Client) fetchPages(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	var records []map[string]any
	next := query
	for next != "" {
		page, err := c.GetJSON(ctx, next)
		if err != nil {
			return nil, err
		}
		if raw, ok := page[valueKey].([]any); ok {
			for _, item := range raw {
				if rec, ok := item.(map[string]any); ok {
					records = append(records, rec)
				}
			}
		}
		if limit > 0 && len(records) >= limit {
			break
		}
		if nl, ok := page[nextLinkKey].(string); ok && nl != "" {
			next = nl
		} else {
			next = ""
		}
	}
	return records, nil
}

// isOrderbyRejection reports whether err looks like Dataverse's
// "not supported for this entity" response to an $orderby clause
// (spec.md §4.E: a 400 whose body mentions orderby/attribute/principal).
func isOrderbyRejection(err error) bool {
	if !syncerr.Is(err, syncerr.KindServer) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "orderby") || strings.Contains(msg, "attribute") || strings.Contains(msg, "principal")
}

func stripOrderby(query string) string {
	u, err := url.Parse(query)
	if err != nil {
		return query
	}
	q := u.Query()
	q.Del("$orderby")
	u.RawQuery = q.Encode()
	return u.String()
}
