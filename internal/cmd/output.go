package main

import (
	"fmt"
	"io"

	"feedsync/internal/fetcher"
)

func printResult(w io.Writer, res fetcher.Result) {
	if !res.Found {
		fmt.Fprintf(w, "feed %d: not found\n", res.FeedID)
		return
	}

	fmt.Fprintf(w, "feed %d: %s, fetched %d, inserted %d (archived %d, read %d), skipped %d, failed %d\n",
		res.FeedID, res.Status, res.Fetched, res.Inserted, res.Archived, res.MarkedRead, res.Skipped, res.Failed)

	if res.SyncErr != nil {
		fmt.Fprintf(w, "  error: %v\n", res.SyncErr)
	}
}
