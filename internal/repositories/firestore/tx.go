package firestore

import (
	"context"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/orderflow/api/internal/platform/firestore"
)

type txContextKey struct{}

// withTx attaches an active transaction to the context so repository calls
// made inside Registry.RunInTx join the same atomic unit.
func withTx(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(*firestore.Transaction)
	return tx, ok && tx != nil
}

// runInTx executes fn inside the ambient transaction when one is present,
// otherwise starts a standalone transaction on the provider. Firestore
// transactions require every read to precede the first buffered write, so
// callers sequence their reads up front.
func runInTx(ctx context.Context, provider *pfirestore.Provider, fn pfirestore.TxFunc) error {
	if tx, ok := txFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	return provider.RunTransaction(ctx, fn)
}
