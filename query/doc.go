// Package query coordinates requests on top of a cache.EntryStore.
//
// A Fetcher runs fetches for a key through the Idle, Fetching, Success and
// Error states. Concurrent callers for the same key share one request, reads
// are retried with exponential backoff for network and server failures, and a
// response that arrives after Cancel never overwrites the entry.
//
//	fetcher := query.NewFetcher(store, query.WithLogger(logger))
//	crews, err := query.GetOrFetch(ctx, fetcher, key, loadCrews)
//
// Resource is the single-key handle a view holds. Pager accumulates pages of
// a list, merging them strictly in page order even when prefetched pages
// complete out of order. Mutation runs a write and marks every entry under
// its invalidation rules stale once the write succeeds:
//
//	save := query.NewMutation(store, createCrew, []query.InvalidationRule{
//		query.RuleForResource("crews"),
//	})
//	if _, err := save.Execute(ctx); err != nil {
//		return err
//	}
//
// Stale entries keep their data. A subscribed view continues to render it
// while the refetch runs, and keeps it if the refetch fails.
package query
