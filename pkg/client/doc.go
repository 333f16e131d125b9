// Package client is the Go SDK for a chainmail node.
//
// It wraps the node's HTTP API: submitting signed message transactions,
// downloading the chain, triggering a sync and publishing or fetching public
// keys. Transaction and Block are the wire types; the client never encrypts
// or signs on the caller's behalf. Transaction.SigningPayload returns the
// exact bytes the node verifies the signature against.
//
// # Sending a message
//
//	c, err := client.New("http://localhost:3000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.Send(ctx, tx)
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == "duplicate_tx" {
//	    // already on the chain
//	}
//
// # Reading the chain
//
//	ch, err := c.Chain(ctx)
//	for _, b := range ch[1:] {
//	    fmt.Println(b.Index, b.Hash)
//	}
//
// Errors for non-2xx answers are *APIError; a 404 also matches ErrNotFound
// with errors.Is.
package client
