// Package client is the Go SDK for the audit ledger HTTP API served by ledgerd.
//
// Appending an event:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	entry, err := c.Append(ctx, "identity:u1", map[string]any{"type": "LOGIN"}, "auth-service")
//
// Checking a chain:
//
//	report, err := c.Verify(ctx, "identity:u1", client.Range{})
//	if err == nil && !report.Valid {
//	    fmt.Printf("chain broken at seq %d: %s\n", *report.FirstBreakAt, *report.BreakKind)
//	}
//
// Reading a whole chain page by page:
//
//	entries, err := c.ReadAll(ctx, "identity:u1", client.Range{})
//
// Failed calls return an *APIError carrying the HTTP status; IsConflict and
// IsUnavailable classify the retryable ones.
package client
