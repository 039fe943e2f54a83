// Package paddle adapts Paddle Billing (paddle-go-sdk) to provider.Provider.
//
// Paddle owns renewal collection, so most state arrives through webhooks.
// Operations the Paddle API cannot express through this interface return
// errors wrapping provider.ErrUnsupported.
package paddle
