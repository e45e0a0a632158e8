package api

import (
	"context"
	"testing"
)

func newTestOnChainClient() *OnChainWSClient {
	return NewOnChainWSClient(OnChainWSClientConfig{
		WSRPCURL:    "wss://example.invalid",
		HTTPRPCURL:  "https://example.invalid",
		USDCAddress: testUSDC,
		CTFAddress:  testCTF,
	}, nil)
}

func TestOnChainWSEmptyWatchedSet(t *testing.T) {
	t.Run("removing the last address stops the client", func(t *testing.T) {
		c := newTestOnChainClient()
		c.watched[testWallet] = true
		c.running = true
		close(c.doneCh) // no read loop in this test

		c.RemoveAddress(testWallet)

		if c.running {
			t.Error("expected client stopped when the watched set emptied")
		}
	})

	t.Run("removing one of two addresses keeps the client running", func(t *testing.T) {
		c := newTestOnChainClient()
		c.watched[testWallet] = true
		c.watched[testOther] = true
		c.running = true

		c.RemoveAddress(testWallet)

		if !c.running {
			t.Error("expected client to keep running with an address still watched")
		}
	})

	t.Run("reconnect declines with nothing watched", func(t *testing.T) {
		c := newTestOnChainClient()
		c.running = true

		if c.reconnect(context.Background()) {
			t.Error("expected reconnect to refuse with an empty watched set")
		}
		if c.running {
			t.Error("expected client marked stopped")
		}
	})
}
