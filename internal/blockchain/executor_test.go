package blockchain

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"confidential/internal/crypto"
	"confidential/internal/secrets"
	"confidential/internal/storage"
	"confidential/internal/transactions"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

var (
	testCfg = transactions.Config{
		MinTransferAmount:   1,
		RollbackDelayBounds: transactions.DelayBounds{Start: 1, End: 50},
	}

	proofSystem *crypto.RangeProofSystem
)

func TestMain(m *testing.M) {
	var err error
	proofSystem, err = crypto.NewRangeProofSystem()
	if err != nil {
		fmt.Fprintf(os.Stderr, "range proof setup: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// account is a wallet owner tracking the opening of their balance.
type account struct {
	kp      *crypto.KeyPair
	balance secrets.Opening
}

type chain struct {
	t     *testing.T
	store *storage.Store
	exec  *Executor
}

func newChain(t *testing.T) *chain {
	t.Helper()
	return newChainWithConfig(t, testCfg)
}

func newChainWithConfig(t *testing.T, cfg transactions.Config) *chain {
	t.Helper()

	svc, err := transactions.NewService(cfg, proofSystem)
	require.NoError(t, err)

	store, err := storage.Open(
		filepath.Join(t.TempDir(), "ledger.db"), storage.DefaultDBTimeout,
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &chain{t: t, store: store, exec: NewExecutor(svc, store)}
}

// genesis seeds one funded account per amount.
func (c *chain) genesis(amounts ...uint64) []*account {
	c.t.Helper()

	var (
		accounts = make([]*account, 0, len(amounts))
		g        Genesis
	)
	for _, amount := range amounts {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(c.t, err)
		opening, err := secrets.NewOpening(amount)
		require.NoError(c.t, err)

		accounts = append(accounts, &account{kp: kp, balance: opening})
		g.Allocations = append(g.Allocations, Allocation{
			Key:     kp.Public,
			Balance: opening.Commitment(),
		})
	}
	require.NoError(c.t, c.exec.InitGenesis(g))
	return accounts
}

func (c *chain) apply(height uint64, txs ...transactions.Transaction) *BlockSummary {
	c.t.Helper()
	summary, err := c.exec.ApplyBlock(Block{Height: height, Transactions: txs})
	require.NoError(c.t, err)
	return summary
}

func (c *chain) wallet(a *account) storage.Wallet {
	c.t.Helper()
	opt, err := c.store.Wallet(a.kp.Public)
	require.NoError(c.t, err)
	require.True(c.t, opt.IsSome())
	return opt.UnwrapOr(storage.Wallet{})
}

func (c *chain) transfer(id chainhash.Hash) storage.PendingTransfer {
	c.t.Helper()
	opt, err := c.store.Transfer(id)
	require.NoError(c.t, err)
	require.True(c.t, opt.IsSome())
	return opt.UnwrapOr(storage.PendingTransfer{})
}

// send builds a transfer and updates the sender's opening as if it
// executes.
func send(t *testing.T, from, to *account, amount uint64,
	delay uint32) *transactions.Transfer {

	t.Helper()
	tx, remaining, _, err := transactions.BuildTransfer(testCfg, proofSystem,
		transactions.TransferRequest{
			Sender:        from.kp,
			Balance:       from.balance,
			Receiver:      to.kp.Public,
			Amount:        amount,
			RollbackDelay: delay,
		})
	require.NoError(t, err)
	from.balance = remaining
	return tx
}

func accept(t *testing.T, to *account, transfer *transactions.Transfer) *transactions.Accept {
	t.Helper()
	tx, err := transactions.NewAccept(to.kp, transfer.Hash())
	require.NoError(t, err)
	return tx
}

// credit adds the decrypted amount of transfer to the receiver's opening.
func credit(t *testing.T, to *account, transfer *transactions.Transfer) {
	t.Helper()
	opening, err := transactions.OpenTransfer(to.kp, transfer.Amount,
		transfer.EncryptedData)
	require.NoError(t, err)
	to.balance, err = to.balance.Add(opening)
	require.NoError(t, err)
}

func requireSuccess(t *testing.T, r TxResult) {
	t.Helper()
	require.True(t, r.Result.Success, "%v failed: %v (%s)", r.Kind,
		r.Code(), r.Result.Description)
}

func requireFailure(t *testing.T, r TxResult, code transactions.ErrorCode) {
	t.Helper()
	require.False(t, r.Result.Success, "%v unexpectedly succeeded", r.Kind)
	require.Equal(t, code, r.Code())
}

// TestAcceptWithinWindow transfers from A to B at height 100 with a delay
// of 10 and accepts it before expiry.
func TestAcceptWithinWindow(t *testing.T) {
	c := newChain(t)
	accounts := c.genesis(100, 0)
	a, b := accounts[0], accounts[1]

	transfer := send(t, a, b, 40, 10)
	summary := c.apply(100, transfer)
	requireSuccess(t, summary.Results[0])
	require.Equal(t, uint64(110), c.transfer(transfer.Hash()).ExpiresAt)

	summary = c.apply(109, accept(t, b, transfer))
	requireSuccess(t, summary.Results[0])
	credit(t, b, transfer)

	require.Equal(t, storage.StatusAccepted,
		c.transfer(transfer.Hash()).Status)
	require.True(t, c.wallet(a).Balance.Equal(a.balance.Commitment()))
	require.True(t, c.wallet(b).Balance.Equal(b.balance.Commitment()))
	require.Equal(t, uint64(60), a.balance.Amount)
	require.Equal(t, uint64(40), b.balance.Amount)

	// The expiry height passes without a rollback.
	summary = c.apply(110)
	require.Empty(t, summary.RolledBack)
	require.True(t, c.wallet(a).Balance.Equal(a.balance.Commitment()))

	// Accepting twice fails.
	summary = c.apply(111, accept(t, b, transfer))
	requireFailure(t, summary.Results[0], transactions.UnknownTransfer)
	require.True(t, c.wallet(b).Balance.Equal(b.balance.Commitment()))
}

// TestRollbackAtExpiry leaves a transfer unaccepted until its expiry
// height.
func TestRollbackAtExpiry(t *testing.T) {
	c := newChain(t)
	accounts := c.genesis(100, 0)
	a, b := accounts[0], accounts[1]
	start := c.wallet(a).Balance

	transfer := send(t, a, b, 40, 10)
	requireSuccess(t, c.apply(100, transfer).Results[0])
	require.False(t, c.wallet(a).Balance.Equal(start))

	summary := c.apply(109)
	require.Empty(t, summary.RolledBack)
	require.Equal(t, storage.StatusPending, c.transfer(transfer.Hash()).Status)

	// Block 110 rolls the transfer back before its own transactions run,
	// so an Accept in that block is too late.
	summary = c.apply(110, accept(t, b, transfer))
	require.Len(t, summary.RolledBack, 1)
	require.Equal(t, transfer.Hash(), summary.RolledBack[0].ID)
	requireFailure(t, summary.Results[0], transactions.UnknownTransfer)

	require.Equal(t, storage.StatusRolledBack,
		c.transfer(transfer.Hash()).Status)
	require.True(t, c.wallet(a).Balance.Equal(start))
	require.True(t, c.wallet(b).Balance.Equal(b.balance.Commitment()))

	pending, err := c.store.PendingTransfers(b.kp.Public)
	require.NoError(t, err)
	require.Empty(t, pending)

	// Later accepts fail the same way and later blocks do not refund
	// again.
	historyLen := c.wallet(a).HistoryLen
	summary = c.apply(111, accept(t, b, transfer))
	require.Empty(t, summary.RolledBack)
	requireFailure(t, summary.Results[0], transactions.UnknownTransfer)

	c.apply(150)
	require.True(t, c.wallet(a).Balance.Equal(start))
	require.Equal(t, historyLen, c.wallet(a).HistoryLen)
}

// TestSkippedExpiryHeight rolls back transfers whose expiry height was
// never applied as a block.
func TestSkippedExpiryHeight(t *testing.T) {
	c := newChain(t)
	accounts := c.genesis(100, 0)
	a, b := accounts[0], accounts[1]
	start := c.wallet(a).Balance

	first := send(t, a, b, 10, 3)
	second := send(t, a, b, 10, 5)
	summary := c.apply(10, first, second)
	requireSuccess(t, summary.Results[0])
	requireSuccess(t, summary.Results[1])

	summary = c.apply(20)
	require.Len(t, summary.RolledBack, 2)
	require.Equal(t, first.Hash(), summary.RolledBack[0].ID)
	require.Equal(t, second.Hash(), summary.RolledBack[1].ID)
	require.True(t, c.wallet(a).Balance.Equal(start))
}

// TestStaleBalanceProof executes two transfers proven against the same
// balance in one block. Only the first one fits the balance it proved.
func TestStaleBalanceProof(t *testing.T) {
	c := newChain(t)
	accounts := c.genesis(100, 0)
	a, b := accounts[0], accounts[1]

	opening := a.balance
	first := send(t, a, b, 70, 10)
	afterFirst := a.balance
	a.balance = opening
	second := send(t, a, b, 70, 10)
	a.balance = afterFirst

	summary := c.apply(1, first, second)
	requireSuccess(t, summary.Results[0])
	requireFailure(t, summary.Results[1], transactions.IncorrectProof)

	// The failed transfer left no trace.
	require.True(t, c.wallet(a).Balance.Equal(a.balance.Commitment()))
	missing, err := c.store.Transfer(second.Hash())
	require.NoError(t, err)
	require.True(t, missing.IsNone())

	result, err := c.store.ExecutionResult(second.Hash())
	require.NoError(t, err)
	require.True(t, result.IsSome())
	stored := result.UnwrapOr(storage.ExecutionResult{})
	require.Equal(t, uint64(1), stored.Height)
	require.Equal(t, uint32(1), stored.Index)
	require.Equal(t, uint8(transactions.IncorrectProof), stored.Code)
}

// TestZeroRollbackDelay executes a transfer with a delay of 0. It expires at
// its own height and is refunded by the next block.
func TestZeroRollbackDelay(t *testing.T) {
	cfg := testCfg
	cfg.RollbackDelayBounds.Start = 0

	c := newChainWithConfig(t, cfg)
	accounts := c.genesis(100, 0)
	a, b := accounts[0], accounts[1]
	start := c.wallet(a).Balance

	transfer, _, _, err := transactions.BuildTransfer(cfg, proofSystem,
		transactions.TransferRequest{
			Sender:   a.kp,
			Balance:  a.balance,
			Receiver: b.kp.Public,
			Amount:   40,
		})
	require.NoError(t, err)

	summary := c.apply(5, transfer)
	requireSuccess(t, summary.Results[0])
	require.Empty(t, summary.RolledBack)
	require.Equal(t, uint64(5), c.transfer(transfer.Hash()).ExpiresAt)

	summary = c.apply(6, accept(t, b, transfer))
	require.Len(t, summary.RolledBack, 1)
	require.Equal(t, transfer.Hash(), summary.RolledBack[0].ID)
	requireFailure(t, summary.Results[0], transactions.UnknownTransfer)
	require.True(t, c.wallet(a).Balance.Equal(start))
}

// TestRolledBackFundsSpendableOnce refunds an expired transfer and spends
// the refund, checking the escrowed amount was never spendable twice.
func TestRolledBackFundsSpendableOnce(t *testing.T) {
	c := newChain(t)
	accounts := c.genesis(50, 0)
	a, b := accounts[0], accounts[1]

	transfer := send(t, a, b, 50, 2)
	requireSuccess(t, c.apply(1, transfer).Results[0])

	// While escrowed, the amount cannot be sent again.
	_, _, _, err := transactions.BuildTransfer(testCfg, proofSystem,
		transactions.TransferRequest{
			Sender:        a.kp,
			Balance:       a.balance,
			Receiver:      b.kp.Public,
			Amount:        50,
			RollbackDelay: 2,
		})
	require.Error(t, err)

	// After the rollback it can be spent exactly once.
	summary := c.apply(3)
	require.Len(t, summary.RolledBack, 1)
	refund, err := transactions.OpenTransfer(b.kp, transfer.Amount,
		transfer.EncryptedData)
	require.NoError(t, err)
	a.balance, err = a.balance.Add(refund)
	require.NoError(t, err)

	respend := send(t, a, b, 50, 10)
	requireSuccess(t, c.apply(4, respend).Results[0])
	requireSuccess(t, c.apply(5, accept(t, b, respend)).Results[0])
	credit(t, b, respend)

	require.Equal(t, uint64(0), a.balance.Amount)
	require.Equal(t, uint64(50), b.balance.Amount)
	require.True(t, c.wallet(b).Balance.Equal(b.balance.Commitment()))
}

// TestConservation checks that wallet balances plus escrowed amounts
// always sum to the genesis supply.
func TestConservation(t *testing.T) {
	c := newChain(t)
	accounts := c.genesis(100, 50, 0)
	a, b, d := accounts[0], accounts[1], accounts[2]

	supply := crypto.Zero()
	for _, acct := range accounts {
		supply = supply.Add(c.wallet(acct).Balance)
	}

	total := func() crypto.Commitment {
		sum := crypto.Zero()
		for _, acct := range accounts {
			sum = sum.Add(c.wallet(acct).Balance)
			pending, err := c.store.PendingTransfers(acct.kp.Public)
			require.NoError(t, err)
			for _, p := range pending {
				sum = sum.Add(p.Amount)
			}
		}
		return sum
	}

	ab := send(t, a, b, 30, 5)
	bd := send(t, b, d, 20, 3)

	// d has nothing yet and proves against a balance it does not hold.
	claimed, err := secrets.NewOpening(5)
	require.NoError(t, err)
	da, _, _, err := transactions.BuildTransfer(testCfg, proofSystem,
		transactions.TransferRequest{
			Sender:        d.kp,
			Balance:       claimed,
			Receiver:      a.kp.Public,
			Amount:        1,
			RollbackDelay: 3,
		})
	require.NoError(t, err)

	summary := c.apply(1, ab, bd, da)
	requireSuccess(t, summary.Results[0])
	requireSuccess(t, summary.Results[1])
	requireFailure(t, summary.Results[2], transactions.IncorrectProof)
	require.True(t, total().Equal(supply))

	summary = c.apply(2, accept(t, b, ab), accept(t, d, bd))
	requireSuccess(t, summary.Results[0])
	requireSuccess(t, summary.Results[1])
	require.True(t, total().Equal(supply))

	ba := send(t, b, a, 15, 2)
	requireSuccess(t, c.apply(3, ba).Results[0])
	require.True(t, total().Equal(supply))

	summary = c.apply(5)
	require.Len(t, summary.RolledBack, 1)
	require.True(t, total().Equal(supply))
}

func TestUnauthorizedAccept(t *testing.T) {
	c := newChain(t)
	accounts := c.genesis(100, 0, 0)
	a, b, mallory := accounts[0], accounts[1], accounts[2]

	transfer := send(t, a, b, 25, 10)
	requireSuccess(t, c.apply(1, transfer).Results[0])

	summary := c.apply(2, accept(t, mallory, transfer))
	requireFailure(t, summary.Results[0], transactions.UnauthorizedAccept)
	require.Equal(t, storage.StatusPending, c.transfer(transfer.Hash()).Status)

	requireSuccess(t, c.apply(3, accept(t, b, transfer)).Results[0])
}

func TestCreateWalletInBlock(t *testing.T) {
	c := newChain(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	first, err := transactions.NewCreateWallet(kp)
	require.NoError(t, err)
	second, err := transactions.NewCreateWallet(kp)
	require.NoError(t, err)

	summary := c.apply(1, first, second)
	requireSuccess(t, summary.Results[0])
	requireFailure(t, summary.Results[1], transactions.WalletExists)

	history, err := c.store.WalletHistory(kp.Public)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{first.Hash()}, history)
}

func TestDuplicateTransactionSkipped(t *testing.T) {
	c := newChain(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tx, err := transactions.NewCreateWallet(kp)
	require.NoError(t, err)

	requireSuccess(t, c.apply(1, tx).Results[0])

	summary := c.apply(2, tx)
	require.Empty(t, summary.Results)
	require.Equal(t, []chainhash.Hash{tx.Hash()}, summary.Duplicates)

	result, err := c.store.ExecutionResult(tx.Hash())
	require.NoError(t, err)
	require.Equal(t, uint64(1),
		result.UnwrapOr(storage.ExecutionResult{}).Height)
}

func TestStaleHeight(t *testing.T) {
	c := newChain(t)
	c.apply(5)

	for _, height := range []uint64{0, 4, 5} {
		_, err := c.exec.ApplyBlock(Block{Height: height})
		require.ErrorIs(t, err, ErrStaleHeight)
	}

	height, err := c.exec.Height()
	require.NoError(t, err)
	require.Equal(t, uint64(5), height)
}

func TestGenesisOnlyBeforeFirstBlock(t *testing.T) {
	c := newChain(t)
	accounts := c.genesis(10)

	// Seeding again before the first block keeps the existing wallet.
	require.NoError(t, c.exec.InitGenesis(Genesis{
		Allocations: []Allocation{{
			Key:     accounts[0].kp.Public,
			Balance: crypto.CommitAmount(1000),
		}},
	}))
	require.True(t, c.wallet(accounts[0]).Balance.Equal(
		accounts[0].balance.Commitment(),
	))

	c.apply(1)
	err := c.exec.InitGenesis(Genesis{})
	require.ErrorIs(t, err, ErrGenesisApplied)
}
