package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sandbox operations, used for failure injection and the call log.
const (
	OpCreateEscrow = "create_escrow"
	OpFundEscrow   = "fund_escrow"
	OpRelease      = "release_to_receiver"
	OpRefund       = "refund_to_payer"
	OpGetStatus    = "get_status"
	OpGetBalance   = "get_balance"
	OpGetTransfer  = "get_transfer"
)

type SandboxCall struct {
	Op             string
	EscrowRef      string
	Amount         int64
	IdempotencyKey string
	Metadata       map[string]string
}

type sandboxEscrow struct {
	currency string
	charged  int64 // requested, not yet settled
	funded   int64
	released int64
	refunded int64
}

// Sandbox is an in-memory provider for local runs and tests. Repeating a call
// with the same idempotency key returns the original reference.
type Sandbox struct {
	mu         sync.Mutex
	currencies map[string]bool
	escrows    map[string]*sandboxEscrow
	transfers  map[string]TransferStatus
	results    map[string]string
	failures   map[string][]error
	calls      []SandboxCall
	seq        int
}

func NewSandbox(currencies []string) *Sandbox {
	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[c] = true
	}
	return &Sandbox{
		currencies: set,
		escrows:    make(map[string]*sandboxEscrow),
		transfers:  make(map[string]TransferStatus),
		results:    make(map[string]string),
		failures:   make(map[string][]error),
	}
}

func (s *Sandbox) Name() string { return "sandbox" }

// FailNext makes the next call of op fail with err. Calls queue up.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Calls returns the calls that reached the provider, including failed ones.
func (s *Sandbox) Calls(op string) []SandboxCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SandboxCall
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// SettleFunding marks the requested charge of an escrow as captured, as the
// provider would before emitting its funding-succeeded notification.
func (s *Sandbox) SettleFunding(escrowRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.escrows[escrowRef]; ok {
		e.funded += e.charged
		e.charged = 0
	}
}

// SettleTransfer marks a release transfer paid.
func (s *Sandbox) SettleTransfer(transferRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[transferRef]; ok {
		s.transfers[transferRef] = TransferPaid
	}
}

// ReverseTransfer pulls a release transfer back into the escrow.
func (s *Sandbox) ReverseTransfer(transferRef, escrowRef string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[transferRef]; !ok {
		return
	}
	s.transfers[transferRef] = TransferReversed
	if e, ok := s.escrows[escrowRef]; ok {
		e.released -= amount
	}
}

func (s *Sandbox) begin(call SandboxCall) error {
	s.calls = append(s.calls, call)
	if queue := s.failures[call.Op]; len(queue) > 0 {
		s.failures[call.Op] = queue[1:]
		return queue[0]
	}
	return nil
}

func (s *Sandbox) nextRef(prefix string) string {
	s.seq++
	return fmt.Sprintf("sbx_%s_%d", prefix, s.seq)
}

func (s *Sandbox) CreateEscrow(_ context.Context, dealID uuid.UUID, currency string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := "sbx_escrow_" + dealID.String()
	if err := s.begin(SandboxCall{Op: OpCreateEscrow, EscrowRef: ref}); err != nil {
		return "", err
	}
	if !s.currencies[currency] {
		return "", fmt.Errorf("%w: %s", ErrInvalidCurrency, currency)
	}
	if _, ok := s.escrows[ref]; !ok {
		s.escrows[ref] = &sandboxEscrow{currency: currency}
	}
	return ref, nil
}

func (s *Sandbox) FundEscrow(_ context.Context, req FundRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(SandboxCall{Op: OpFundEscrow, EscrowRef: req.EscrowRef, Amount: req.Amount, IdempotencyKey: req.IdempotencyKey}); err != nil {
		return "", err
	}
	if ref, ok := s.results[req.IdempotencyKey]; ok {
		return ref, nil
	}
	e, ok := s.escrows[req.EscrowRef]
	if !ok {
		return "", fmt.Errorf("%w: unknown escrow %s", ErrProviderRejected, req.EscrowRef)
	}
	if req.Currency != e.currency {
		return "", fmt.Errorf("%w: %s", ErrInvalidCurrency, req.Currency)
	}
	e.charged += req.Amount
	ref := s.nextRef("pi")
	s.results[req.IdempotencyKey] = ref
	return ref, nil
}

func (s *Sandbox) ReleaseToReceiver(_ context.Context, req ReleaseRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(SandboxCall{Op: OpRelease, EscrowRef: req.EscrowRef, Amount: req.Amount, IdempotencyKey: req.IdempotencyKey, Metadata: req.Metadata}); err != nil {
		return "", err
	}
	if ref, ok := s.results[req.IdempotencyKey]; ok {
		return ref, nil
	}
	e, ok := s.escrows[req.EscrowRef]
	if !ok {
		return "", fmt.Errorf("%w: unknown escrow %s", ErrProviderRejected, req.EscrowRef)
	}
	e.released += req.Amount
	ref := s.nextRef("tr")
	s.transfers[ref] = TransferPending
	s.results[req.IdempotencyKey] = ref
	return ref, nil
}

func (s *Sandbox) RefundToPayer(_ context.Context, req RefundRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(SandboxCall{Op: OpRefund, EscrowRef: req.EscrowRef, Amount: req.Amount, IdempotencyKey: req.IdempotencyKey}); err != nil {
		return "", err
	}
	if ref, ok := s.results[req.IdempotencyKey]; ok {
		return ref, nil
	}
	e, ok := s.escrows[req.EscrowRef]
	if !ok {
		return "", fmt.Errorf("%w: unknown escrow %s", ErrProviderRejected, req.EscrowRef)
	}
	available := e.funded - e.released - e.refunded
	amount := req.Amount
	if amount == 0 {
		amount = available
	}
	if amount <= 0 || amount > available {
		return "", fmt.Errorf("%w: refund %d exceeds refundable %d", ErrProviderRejected, amount, available)
	}
	e.refunded += amount
	ref := s.nextRef("re")
	s.results[req.IdempotencyKey] = ref
	return ref, nil
}

func (s *Sandbox) GetStatus(_ context.Context, escrowRef string) (EscrowStatus, error) {
	b, err := s.balance(OpGetStatus, escrowRef)
	if err != nil {
		return "", err
	}
	return b.Status(), nil
}

func (s *Sandbox) GetBalance(_ context.Context, escrowRef string) (Balance, error) {
	return s.balance(OpGetBalance, escrowRef)
}

func (s *Sandbox) balance(op, escrowRef string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(SandboxCall{Op: op, EscrowRef: escrowRef}); err != nil {
		return Balance{}, err
	}
	e, ok := s.escrows[escrowRef]
	if !ok {
		return Balance{}, nil
	}
	return Balance{Funded: e.funded, Released: e.released, Refunded: e.refunded}, nil
}

func (s *Sandbox) GetTransferStatus(_ context.Context, transferRef string) (TransferStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(SandboxCall{Op: OpGetTransfer}); err != nil {
		return "", err
	}
	status, ok := s.transfers[transferRef]
	if !ok {
		return "", fmt.Errorf("%w: unknown transfer %s", ErrProviderRejected, transferRef)
	}
	return status, nil
}
