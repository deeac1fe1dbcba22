// Package pagination walks Pipedrive's offset-paginated collections.
//
// Pipedrive list endpoints take start and limit query parameters and report
// continuation in the response envelope:
//
//	{
//	  "data": [...],
//	  "additional_data": {
//	    "pagination": {"start": 0, "limit": 200, "more_items_in_collection": true, "next_start": 200}
//	  }
//	}
//
// Example usage:
//
//	p := pagination.New(apiClient, pagination.Config{}, logger)
//	it := p.Paginate(ctx, "recents", params)
//	for it.Next() {
//		handle(it.Item())
//	}
//	if err := it.Err(); err != nil {
//		return err
//	}
//
// The iterator:
//   - Fetches one page at a time, only when the previous page is consumed
//   - Yields the items of data in order (null or absent data is an empty page)
//   - Stops when more_items_in_collection is false or additional_data is absent
//   - Reports every failure as *PageError carrying the last raw body
package pagination
