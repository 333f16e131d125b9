package handler_test

import (
	"net/http"
	"testing"
	"time"
)

func TestLedgerOverview_200(t *testing.T) {
	f := setup(t, nil, nil)

	w := f.do(t, http.MethodGet, "/ledger", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["blocks"] != float64(1) { // genesis
		t.Errorf("expected 1 block (genesis), got %v", resp["blocks"])
	}
	if resp["root"] != f.ledger.Root() {
		t.Errorf("root mismatch")
	}
	if resp["difficulty"] != float64(1) {
		t.Errorf("difficulty: %v", resp["difficulty"])
	}
}

func TestLedgerVerify_200(t *testing.T) {
	f := setup(t, nil, nil)
	f.do(t, http.MethodPost, "/send", newTx(t, time.Now()))

	w := f.do(t, http.MethodGet, "/ledger/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["valid"] != true {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestLedgerGetBlock(t *testing.T) {
	f := setup(t, nil, nil)

	w := f.do(t, http.MethodGet, "/ledger/blocks/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["previousHash"] != "0" {
		t.Errorf("genesis previousHash: %s", w.Body.String())
	}

	if w := f.do(t, http.MethodGet, "/ledger/blocks/999", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/ledger/blocks/-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
