package deriv

import "sync"

const maxTransactions = 100

// AnalyticsStore keeps the most recent transaction pushes
type AnalyticsStore struct {
	*Observable

	mu           sync.RWMutex
	transactions []Transaction
}

func NewAnalyticsStore() *AnalyticsStore {
	return &AnalyticsStore{Observable: NewObservable()}
}

// PushTransaction records tx, dropping the oldest beyond the retention limit
func (a *AnalyticsStore) PushTransaction(tx Transaction) {
	a.mu.Lock()
	a.transactions = append(a.transactions, tx)
	if len(a.transactions) > maxTransactions {
		a.transactions = append([]Transaction(nil), a.transactions[len(a.transactions)-maxTransactions:]...)
	}
	a.mu.Unlock()
	a.Publish(Event{Kind: EventTransaction, Data: tx})
}

// Transactions returns the retained transactions, oldest first
func (a *AnalyticsStore) Transactions() []Transaction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Transaction(nil), a.transactions...)
}
