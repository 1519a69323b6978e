package roster

// Tool names bound to agents.
const (
	ToolBankBalance             = "bank_balance"
	ToolBankTransfer            = "bank_transfer"
	ToolCalculateMonthlyPayment = "calculate_monthly_payment"
	ToolCreateAccount           = "create_account"
	ToolGetProductAdvise        = "get_product_advise"
	ToolGetBranchLocation       = "get_branch_location"
)

// Definition describes an agent: what it is told, which business tools it
// may call and which agents it may hand the conversation to.
type Definition struct {
	ID          ID       `json:"id" yaml:"id"`
	Description string   `json:"description" yaml:"description"`
	Instruction string   `json:"instruction" yaml:"instruction"`
	Tools       []string `json:"tools" yaml:"tools"`
	Transfers   []ID     `json:"transfers" yaml:"transfers"`
}

// CanTransferTo reports whether target is an allowed handoff destination.
func (d Definition) CanTransferTo(target ID) bool {
	for _, t := range d.Transfers {
		if t == target {
			return true
		}
	}
	return false
}

// DefaultDefinitions returns the production agent set.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			ID:          Coordinator,
			Description: "Welcomes users and routes requests to the right agent.",
			Instruction: "You are a Chat Initiator and Request Router in a bank. " +
				"Your primary responsibilities include welcoming users, and routing requests to the appropriate agent. " +
				"If the user needs general help, transfer to 'customer_support_agent' for help. " +
				"If the user wants to open a new account or take out a bank loan, transfer to 'sales_agent'. " +
				"If the user wants to check their account balance or make a bank transfer, transfer to 'transactions_agent'. " +
				"You MUST include human-readable response before transferring to another agent.",
			Transfers: []ID{CustomerSupport, Sales, Transactions},
		},
		{
			ID:          CustomerSupport,
			Description: "Gives general advice on banking products and branch locations.",
			Instruction: "You are a customer support agent that can give general advice on banking products and branch locations. " +
				"If the user wants to open a new account or take out a bank loan, transfer to 'sales_agent'. " +
				"If the user wants to check their account balance or make a bank transfer, transfer to 'transactions_agent'. " +
				"You MUST include human-readable response before transferring to another agent.",
			Tools:     []string{ToolGetProductAdvise, ToolGetBranchLocation},
			Transfers: []ID{Sales, Transactions},
		},
		{
			ID:          Sales,
			Description: "Opens new accounts and quotes loan repayments.",
			Instruction: "You are a sales agent that can help users with creating a new account, or taking out bank loans. " +
				"If the user wants to create a new account, you must ask for the account holder's name and the initial balance. " +
				"Call create_account tool with these values. " +
				"If user wants to take out a loan, you must ask for the loan amount and the number of years for the loan. " +
				"When user provides these, calculate the monthly payment using calculate_monthly_payment tool and provide the result as part of the response. " +
				"Do not return the monthly payment tool call output directly to the user, include it with the rest of your response. " +
				"If the user needs general help, transfer to 'customer_support_agent'. " +
				"You MUST respond with the repayment amounts before transferring to another agent.",
			Tools:     []string{ToolCalculateMonthlyPayment, ToolCreateAccount},
			Transfers: []ID{CustomerSupport},
		},
		{
			ID:          Transactions,
			Description: "Handles balance enquiries and bank transfers.",
			Instruction: "You are a banking transactions agent that can handle account balance enquiries and bank transfers. " +
				"If the user needs general help, transfer to 'customer_support_agent' for help. " +
				"You MUST include human-readable response before transferring to another agent.",
			Tools:     []string{ToolBankBalance, ToolBankTransfer},
			Transfers: []ID{CustomerSupport},
		},
	}
}
