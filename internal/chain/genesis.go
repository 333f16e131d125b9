package chain

// Genesis constants. Every node must produce a bit-identical genesis block or
// their chains can never be compared.
const (
	GenesisTimestamp    = "2025-01-01T00:00:00.000Z"
	GenesisMemo         = "Genesis Block"
	GenesisPreviousHash = "0"
	GenesisHash         = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Genesis returns a fresh copy of the genesis block. Its hash is the
// well-known constant, not a computed value.
func Genesis() *Block {
	return &Block{
		Index:        0,
		Timestamp:    GenesisTimestamp,
		Transactions: []Transaction{{Memo: GenesisMemo}},
		PreviousHash: GenesisPreviousHash,
		Nonce:        0,
		Hash:         GenesisHash,
	}
}

// IsGenesis reports whether b matches the genesis block field for field.
func IsGenesis(b *Block) bool {
	if b == nil {
		return false
	}
	return b.Index == 0 &&
		b.Timestamp == GenesisTimestamp &&
		b.PreviousHash == GenesisPreviousHash &&
		b.Nonce == 0 &&
		b.Hash == GenesisHash &&
		len(b.Transactions) == 1 &&
		b.Transactions[0].IsSentinel() &&
		b.Transactions[0].Memo == GenesisMemo
}
