package chain_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/jmerrifield20/chainmail/internal/chain"
)

func TestMarshalUnmarshal_roundTrip(t *testing.T) {
	c := mustAppend(t, chain.New(), sampleTx("alice", "t1"))
	c = mustAppend(t, c, sampleTx("carol", "t2"), sampleTx("dave", "t3"))

	data, err := chain.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := chain.Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(c, loaded) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, c)
	}
	if loaded[2].Nonce != c[2].Nonce || loaded[2].Hash != c[2].Hash {
		t.Error("nonce and hash must be carried, not recomputed")
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("loaded chain invalid: %v", err)
	}
}

func TestUnmarshal_doesNotRemine(t *testing.T) {
	// A block whose stored hash is wrong must load as-is so Validate can flag it.
	raw := `[
  {"index":0,"timestamp":"2025-01-01T00:00:00.000Z","transactions":[{"msg":"Genesis Block"}],"previousHash":"0","nonce":0,"hash":"0000000000000000000000000000000000000000000000000000000000000000"},
  {"index":1,"timestamp":"2025-06-01T10:00:00.000Z","transactions":[],"previousHash":"0000000000000000000000000000000000000000000000000000000000000000","nonce":5,"hash":"deadbeef"}
]`
	c, err := chain.Unmarshal([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if c[1].Hash != "deadbeef" || c[1].Nonce != 5 {
		t.Errorf("block 1 altered on load: %+v", c[1])
	}
	if chain.IsStructurallyValid(c) {
		t.Error("expected invalid chain")
	}
}

func TestMarshal_genesisLayout(t *testing.T) {
	data, err := chain.Marshal(chain.New())
	if err != nil {
		t.Fatal(err)
	}
	want := `[
  {
    "index": 0,
    "timestamp": "2025-01-01T00:00:00.000Z",
    "transactions": [
      {
        "msg": "Genesis Block"
      }
    ],
    "previousHash": "0",
    "nonce": 0,
    "hash": "0000000000000000000000000000000000000000000000000000000000000000"
  }
]`
	if string(data) != want {
		t.Errorf("genesis snapshot:\n%s", data)
	}
}

func TestUnmarshal_rejectsEmptyAndNull(t *testing.T) {
	if _, err := chain.Unmarshal([]byte(`[]`)); err == nil {
		t.Error("expected error for empty array")
	}
	if _, err := chain.Unmarshal([]byte(`[null]`)); err == nil {
		t.Error("expected error for null block")
	}
	if _, err := chain.Unmarshal([]byte(`{"not":"a chain"}`)); err == nil || !strings.Contains(err.Error(), "unmarshal chain") {
		t.Errorf("expected unmarshal error, got %v", err)
	}
}
