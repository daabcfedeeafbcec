package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-ultibot/crypto"
	"solana-ultibot/internal/engine"
	"solana-ultibot/storage"
)

type fakeCommands struct {
	pct    float64
	csv    string
	err    error
	called int
}

func (f *fakeCommands) SellPercent(_ context.Context, pct float64) (int, error) {
	f.called++
	f.pct = pct
	if pct <= 0 || pct > 100 {
		return 0, fmt.Errorf("%w: bad percent", engine.ErrInvalidRequest)
	}
	return 3, f.err
}

func (f *fakeCommands) SellAllUnwhitelisted(context.Context) (int, error) {
	f.called++
	return 2, f.err
}

func (f *fakeCommands) ImportWalletsCSV(_ context.Context, r io.Reader) ([]*storage.Wallet, error) {
	f.called++
	b, _ := io.ReadAll(r)
	f.csv = string(b)
	if f.err != nil {
		return nil, f.err
	}
	return []*storage.Wallet{{Address: "W1"}}, nil
}

func newTestAdminServer(t *testing.T, cmds *fakeCommands) *httptest.Server {
	t.Helper()
	hash, err := crypto.HashPassword("hunter2")
	require.NoError(t, err)
	admin, err := engine.NewAdmin(cmds, hash)
	require.NoError(t, err)

	srv := httptest.NewServer(newAdminHandler(admin))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, password, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(passwordHeader, password)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAdminHandler(t *testing.T) {
	t.Run("Sell", func(t *testing.T) {
		cmds := &fakeCommands{}
		srv := newTestAdminServer(t, cmds)

		status, out := post(t, srv.URL+"/admin/sell", "hunter2", `{"pct": 25}`)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, 3.0, out["sold"])
		assert.Equal(t, 25.0, cmds.pct)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		cmds := &fakeCommands{}
		srv := newTestAdminServer(t, cmds)

		status, out := post(t, srv.URL+"/admin/sell-unwhitelisted", "nope", "")
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, engine.ErrUnauthorized.Error(), out["error"])
		assert.Zero(t, cmds.called)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		cmds := &fakeCommands{}
		srv := newTestAdminServer(t, cmds)

		status, out := post(t, srv.URL+"/admin/sell", "hunter2", `{"pct":`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.NotEmpty(t, out["error"])
		assert.Zero(t, cmds.called)

		status, _ = post(t, srv.URL+"/admin/sell", "hunter2", `{"pct": 150}`)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("ImportWallets", func(t *testing.T) {
		cmds := &fakeCommands{}
		srv := newTestAdminServer(t, cmds)

		status, out := post(t, srv.URL+"/admin/import-wallets", "hunter2", "key1\nkey2\n")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, 1.0, out["imported"])
		assert.Equal(t, "key1\nkey2\n", cmds.csv)
	})

	t.Run("NoRunningCycle", func(t *testing.T) {
		cmds := &fakeCommands{err: engine.ErrNoRunningCycle}
		srv := newTestAdminServer(t, cmds)

		status, _ := post(t, srv.URL+"/admin/import-wallets", "hunter2", "key1\n")
		assert.Equal(t, http.StatusConflict, status)
	})

	t.Run("PostOnly", func(t *testing.T) {
		srv := newTestAdminServer(t, &fakeCommands{})
		resp, err := http.Get(srv.URL + "/admin/sell")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
