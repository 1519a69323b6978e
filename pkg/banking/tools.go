package banking

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/toolexecutor"
)

// DefaultLoanAnnualRate is the percentage used when none is configured.
const DefaultLoanAnnualRate = 5.0

// Product is an entry of the product catalogue.
type Product struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Branch is a physical branch location.
type Branch struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Hours   string `json:"hours"`
}

// Options configures the banking tools.
type Options struct {
	// LoanAnnualRate is a percentage, e.g. 5.0.
	LoanAnnualRate float64
	Products       []Product
	Branches       []Branch
}

// DefaultProducts is the catalogue returned by get_product_advise.
func DefaultProducts() []Product {
	return []Product{
		{Name: "Savings Account", Description: "Interest-bearing account with no monthly fee and instant access."},
		{Name: "Current Account", Description: "Everyday account with a debit card and free transfers."},
		{Name: "Personal Loan", Description: "Fixed-rate loans from 1 to 7 years with fixed monthly repayments."},
		{Name: "Fixed Deposit", Description: "Lock funds for 12 months at a guaranteed rate."},
	}
}

// DefaultBranches is the list returned by get_branch_location.
func DefaultBranches() []Branch {
	return []Branch{
		{Name: "Central", Address: "1 Main Street", Hours: "Mon-Fri 09:00-17:00"},
		{Name: "Harbour", Address: "22 Quay Road", Hours: "Mon-Sat 09:00-13:00"},
	}
}

// Register adds every banking tool to the executor.
func Register(exec *toolexecutor.ToolExecutor, ledger *Ledger, opts Options) error {
	if exec == nil || ledger == nil {
		return fmt.Errorf("banking tools need an executor and a ledger")
	}
	if opts.LoanAnnualRate <= 0 {
		opts.LoanAnnualRate = DefaultLoanAnnualRate
	}
	if len(opts.Products) == 0 {
		opts.Products = DefaultProducts()
	}
	if len(opts.Branches) == 0 {
		opts.Branches = DefaultBranches()
	}

	for _, def := range Definitions(ledger, opts) {
		if err := exec.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

// Definitions builds the banking tool definitions bound to ledger.
func Definitions(ledger *Ledger, opts Options) []toolexecutor.ToolDefinition {
	zero, one := 0.0, 1.0
	maxAmount, maxYears := float64(MaxAmount), float64(MaxLoanYears)
	return []toolexecutor.ToolDefinition{
		{
			Name:        roster.ToolBankBalance,
			Description: "Get the current balance of a bank account.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "account_number", Type: "string", Description: "The account number", Required: true, MinLength: 1},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				number, err := stringParam(params, "account_number")
				if err != nil {
					return nil, err
				}
				balance, err := ledger.Balance(number)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"account_number": number, "balance": balance}, nil
			},
		},
		{
			Name:        roster.ToolBankTransfer,
			Description: "Transfer money between two bank accounts.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "from_account", Type: "string", Description: "Account to debit", Required: true, MinLength: 1},
				{Name: "to_account", Type: "string", Description: "Account to credit", Required: true, MinLength: 1},
				{Name: "amount", Type: "number", Description: "Amount to transfer", Required: true, Minimum: &zero, Maximum: &maxAmount},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				from, err := stringParam(params, "from_account")
				if err != nil {
					return nil, err
				}
				to, err := stringParam(params, "to_account")
				if err != nil {
					return nil, err
				}
				amount, err := numberParam(params, "amount")
				if err != nil {
					return nil, err
				}
				if err := ledger.TransferAs(originFrom(ctx), from, to, amount); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Successfully transferred $%.2f from account %s to account %s", amount, from, to), nil
			},
		},
		{
			Name:        roster.ToolCalculateMonthlyPayment,
			Description: "Calculate the monthly repayment for a bank loan.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "loan_amount", Type: "number", Description: "The loan principal", Required: true, Minimum: &zero, Maximum: &maxAmount},
				{Name: "years", Type: "integer", Description: "Loan term in years", Required: true, Minimum: &one, Maximum: &maxYears},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				amount, err := numberParam(params, "loan_amount")
				if err != nil {
					return nil, err
				}
				years, err := numberParam(params, "years")
				if err != nil {
					return nil, err
				}
				if years < 1 || years > MaxLoanYears {
					return nil, fmt.Errorf("years must be between 1 and %d", MaxLoanYears)
				}
				payment, err := MonthlyPayment(amount, int(years), opts.LoanAnnualRate)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"loan_amount":     amount,
					"years":           int(years),
					"annual_rate":     opts.LoanAnnualRate,
					"monthly_payment": payment,
				}, nil
			},
		},
		{
			Name:        roster.ToolCreateAccount,
			Description: "Open a new bank account.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "account_holder", Type: "string", Description: "Full name of the account holder", Required: true, MinLength: 1},
				{Name: "balance", Type: "number", Description: "Opening balance", Required: true, Minimum: &zero, Maximum: &maxAmount},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				holder, err := stringParam(params, "account_holder")
				if err != nil {
					return nil, err
				}
				balance, err := numberParam(params, "balance")
				if err != nil {
					return nil, err
				}
				acct, err := ledger.CreateAccountAs(originFrom(ctx), holder, balance)
				if err != nil {
					return nil, err
				}
				return acct, nil
			},
		},
		{
			Name:        roster.ToolGetProductAdvise,
			Description: "Describe the banking products on offer.",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return opts.Products, nil
			},
		},
		{
			Name:        roster.ToolGetBranchLocation,
			Description: "List branch locations and opening hours.",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return opts.Branches, nil
			},
		},
	}
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	v, ok := params[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s must be a non-empty string", name)
	}
	return v, nil
}

func numberParam(params map[string]interface{}, name string) (float64, error) {
	switch v := params[name].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("%s must be a number", name)
	}
}

func originFrom(ctx context.Context) Origin {
	execCtx := toolexecutor.ExecutionContextFrom(ctx)
	if execCtx == nil {
		return Origin{}
	}
	return Origin{ThreadID: execCtx.ThreadID, AgentID: execCtx.AgentID}
}
