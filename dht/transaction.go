package dht

// TransactionID correlates a response with the query that caused it.
type TransactionID = uint32

// TransactionIDGenerator hands out sequential transaction ids starting at 1.
// Ids wrap around after 2^32 values.
type TransactionIDGenerator struct {
	next TransactionID
}

// NewTransactionIDGenerator creates a generator whose first id is 1.
func NewTransactionIDGenerator() *TransactionIDGenerator {
	return &TransactionIDGenerator{next: 1}
}

// Generate returns the next id.
func (g *TransactionIDGenerator) Generate() TransactionID {
	id := g.next
	g.next++
	return id
}
