// Package banking provides the in-memory ledger and the banking tools the
// agents call through the tool executor.
package banking

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSameAccount       = errors.New("source and destination accounts are the same")
	ErrBalanceLimit      = errors.New("balance limit exceeded")
)

const (
	// MaxAmount bounds every amount and balance so cents stay exact in
	// both int64 and float64.
	MaxAmount = 1e12
	// MaxLoanYears bounds the loan term.
	MaxLoanYears = 100

	maxCents = int64(MaxAmount * 100)

	journalLimit = 1000
)

const accountDigits = "0123456789"

// AccountNumberLength is the length of generated account numbers.
const AccountNumberLength = 10

// Account is a ledger entry.
type Account struct {
	Number    string    `json:"account_number"`
	Holder    string    `json:"account_holder"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Origin identifies the conversation that asked for a ledger change.
type Origin struct {
	ThreadID string
	AgentID  string
}

// Posting is one journal line. Kind is "open" or "transfer"; From is empty
// for account openings.
type Posting struct {
	Kind     string    `json:"kind"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	Amount   float64   `json:"amount"`
	ThreadID string    `json:"thread_id,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	At       time.Time `json:"at"`
}

// Ledger is a concurrency-safe set of accounts. Amounts are kept in cents
// internally so repeated transfers do not drift.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*entry
	journal  []Posting
	newID    func() (string, error)
}

type entry struct {
	holder    string
	cents     int64
	createdAt time.Time
}

// NewLedger creates a ledger holding the given opening balances.
func NewLedger(seed map[string]float64) (*Ledger, error) {
	l := &Ledger{
		accounts: make(map[string]*entry, len(seed)),
		newID: func() (string, error) {
			return gonanoid.Generate(accountDigits, AccountNumberLength)
		},
	}
	now := time.Now().UTC()
	for number, balance := range seed {
		number = strings.TrimSpace(number)
		if number == "" {
			return nil, fmt.Errorf("seed account: empty account number")
		}
		if err := checkAmount(balance); err != nil {
			return nil, fmt.Errorf("seed account %s: %w", number, err)
		}
		l.accounts[number] = &entry{holder: "", cents: toCents(balance), createdAt: now}
	}
	return l, nil
}

// Balance returns the balance of an account.
func (l *Ledger) Balance(number string) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acct, ok := l.accounts[number]
	if !ok {
		return 0, fmt.Errorf("%s: %w", number, ErrAccountNotFound)
	}
	return fromCents(acct.cents), nil
}

// Transfer moves amount between two accounts atomically.
func (l *Ledger) Transfer(from, to string, amount float64) error {
	return l.TransferAs(Origin{}, from, to, amount)
}

// TransferAs is Transfer with the requesting conversation recorded in the
// journal.
func (l *Ledger) TransferAs(origin Origin, from, to string, amount float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if from == to {
		return ErrSameAccount
	}
	cents := toCents(amount)
	if cents == 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.accounts[from]
	if !ok {
		return fmt.Errorf("%s: %w", from, ErrAccountNotFound)
	}
	dst, ok := l.accounts[to]
	if !ok {
		return fmt.Errorf("%s: %w", to, ErrAccountNotFound)
	}
	if src.cents < cents {
		return ErrInsufficientFunds
	}
	if dst.cents > maxCents-cents {
		return fmt.Errorf("%s: %w", to, ErrBalanceLimit)
	}
	src.cents -= cents
	dst.cents += cents
	l.record(Posting{Kind: "transfer", From: from, To: to, Amount: fromCents(cents)}, origin)
	return nil
}

// CreateAccount opens an account with a generated number.
func (l *Ledger) CreateAccount(holder string, balance float64) (Account, error) {
	return l.CreateAccountAs(Origin{}, holder, balance)
}

// CreateAccountAs is CreateAccount with the requesting conversation
// recorded in the journal.
func (l *Ledger) CreateAccountAs(origin Origin, holder string, balance float64) (Account, error) {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return Account{}, fmt.Errorf("account holder is required")
	}
	if err := checkAmount(balance); err != nil {
		return Account{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var number string
	for attempt := 0; ; attempt++ {
		id, err := l.newID()
		if err != nil {
			return Account{}, fmt.Errorf("generate account number: %w", err)
		}
		if _, taken := l.accounts[id]; !taken {
			number = id
			break
		}
		if attempt >= 10 {
			return Account{}, fmt.Errorf("generate account number: too many collisions")
		}
	}

	e := &entry{holder: holder, cents: toCents(balance), createdAt: time.Now().UTC()}
	l.accounts[number] = e
	l.record(Posting{Kind: "open", To: number, Amount: fromCents(e.cents)}, origin)
	return Account{Number: number, Holder: holder, Balance: fromCents(e.cents), CreatedAt: e.createdAt}, nil
}

// Accounts returns a snapshot of every account sorted by number.
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Account, 0, len(l.accounts))
	for number, e := range l.accounts {
		out = append(out, Account{Number: number, Holder: e.holder, Balance: fromCents(e.cents), CreatedAt: e.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Journal returns the most recent postings, oldest first.
func (l *Ledger) Journal() []Posting {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Posting(nil), l.journal...)
}

// record must be called with mu held.
func (l *Ledger) record(p Posting, origin Origin) {
	p.ThreadID = origin.ThreadID
	p.AgentID = origin.AgentID
	p.At = time.Now().UTC()
	if len(l.journal) >= journalLimit {
		l.journal = append(l.journal[:0], l.journal[1:]...)
	}
	l.journal = append(l.journal, p)
}

// MonthlyPayment returns the fixed monthly repayment of an amortized loan.
// annualRate is a percentage; a zero rate spreads the principal evenly.
func MonthlyPayment(principal float64, years int, annualRate float64) (float64, error) {
	if err := checkAmount(principal); err != nil {
		return 0, err
	}
	if principal == 0 {
		return 0, ErrInvalidAmount
	}
	if years <= 0 || years > MaxLoanYears {
		return 0, fmt.Errorf("years must be between 1 and %d", MaxLoanYears)
	}
	if annualRate < 0 {
		return 0, fmt.Errorf("annual rate must not be negative")
	}

	n := float64(years * 12)
	r := annualRate / 100 / 12
	if r == 0 {
		return roundCents(principal / n), nil
	}
	payment := principal * r / (1 - math.Pow(1+r, -n))
	return roundCents(payment), nil
}

// checkAmount accepts zero; callers that need a positive amount check
// the converted cents.
func checkAmount(v float64) error {
	switch {
	case math.IsNaN(v), math.IsInf(v, 0), v < 0:
		return ErrInvalidAmount
	case v > MaxAmount:
		return fmt.Errorf("%w: exceeds %.0f", ErrInvalidAmount, float64(MaxAmount))
	}
	return nil
}

func toCents(v float64) int64 { return int64(math.Round(v * 100)) }

func fromCents(c int64) float64 { return float64(c) / 100 }

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }
