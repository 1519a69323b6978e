package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/harun/banca/pkg/roster"
)

// OfflineProvider is a deterministic keyword responder. It needs no network
// access and plays each banking agent well enough to exercise routing, the
// tool loop and handoffs end to end.
type OfflineProvider struct {
	newID func() string
}

// NewOfflineProvider creates an offline provider.
func NewOfflineProvider() *OfflineProvider {
	return &OfflineProvider{newID: func() string { return "call_" + uuid.NewString() }}
}

// Provider returns the provider name
func (p *OfflineProvider) Provider() string {
	return "offline"
}

type intent int

const (
	intentNone intent = iota
	intentSales
	intentTransactions
	intentSupport
)

var (
	yearsPattern   = regexp.MustCompile(`(?i)(\d+)\s*(?:years?|yrs?)\b`)
	dollarPattern  = regexp.MustCompile(`\$\s*(\d[\d,]*(?:\.\d+)?)`)
	numberPattern  = regexp.MustCompile(`\b(\d[\d,]*(?:\.\d+)?)\b`)
	accountPattern = regexp.MustCompile(`\b\d{6,}\b`)
	namePattern    = regexp.MustCompile(`(?i)(?:my name is|name is|name:|holder is|call me)\s+([a-z][a-z.'\- ]*[a-z])`)
)

// Call answers the request for the agent named in request.Agent.
func (p *OfflineProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if n := len(request.Messages); n > 0 && request.Messages[n-1].Role == "tool" {
		return &LLMResponse{Content: summarizeToolResults(request.Messages)}, nil
	}

	available := make(map[string]bool, len(request.Tools))
	for _, tool := range request.Tools {
		available[tool.Name] = true
	}

	users := userTexts(request.Messages)
	latest := ""
	if len(users) > 0 {
		latest = users[len(users)-1]
	}

	switch roster.ID(request.Agent) {
	case roster.Coordinator:
		return p.coordinator(latest, available), nil
	case roster.Sales:
		return p.sales(users, available), nil
	case roster.Transactions:
		return p.transactions(users, available), nil
	case roster.CustomerSupport:
		return p.customerSupport(latest, available), nil
	default:
		return &LLMResponse{Content: "How can I help you today?"}, nil
	}
}

func (p *OfflineProvider) coordinator(latest string, available map[string]bool) *LLMResponse {
	switch classify(latest) {
	case intentSales:
		return p.handoff("Happy to help with that. Let me connect you with our sales team.", roster.Sales, available)
	case intentTransactions:
		return p.handoff("Sure. Let me connect you with our transactions team.", roster.Transactions, available)
	case intentSupport:
		return p.handoff("Let me connect you with customer support.", roster.CustomerSupport, available)
	}
	return &LLMResponse{Content: "Welcome to the bank! I can help with new accounts, loans, balances and transfers. What would you like to do?"}
}

func (p *OfflineProvider) customerSupport(latest string, available map[string]bool) *LLMResponse {
	lower := strings.ToLower(latest)
	switch classify(latest) {
	case intentSales:
		return p.handoff("Our sales team can set that up for you. Transferring you now.", roster.Sales, available)
	case intentTransactions:
		return p.handoff("Our transactions team can help with that. Transferring you now.", roster.Transactions, available)
	}
	if containsAny(lower, "branch", "location", "address", "hours", "nearest") && available[roster.ToolGetBranchLocation] {
		return p.call("Let me look up our branches.", roster.ToolGetBranchLocation, map[string]interface{}{})
	}
	if containsAny(lower, "product", "advice", "advise", "offer", "recommend", "savings") && available[roster.ToolGetProductAdvise] {
		return p.call("Here is an overview of our products.", roster.ToolGetProductAdvise, map[string]interface{}{})
	}
	return &LLMResponse{Content: "I can tell you about our products and branch locations. What would you like to know?"}
}

func (p *OfflineProvider) sales(users []string, available map[string]bool) *LLMResponse {
	latest := ""
	if len(users) > 0 {
		latest = users[len(users)-1]
	}
	switch classify(latest) {
	case intentTransactions, intentSupport:
		return p.handoff("Customer support can point you in the right direction. Transferring you now.", roster.CustomerSupport, available)
	}

	loan := false
	var amount, years float64
	var name string
	for _, text := range users {
		if strings.Contains(strings.ToLower(text), "loan") {
			loan = true
		}
		if y, ok := parseYears(text); ok {
			years = y
		}
		if a, ok := parseAmount(text); ok {
			amount = a
		}
		if n, ok := parseName(text); ok {
			name = n
		}
	}
	_, newYears := parseYears(latest)
	_, newAmount := parseAmount(latest)
	_, newName := parseName(latest)

	if loan {
		switch {
		case amount == 0:
			return &LLMResponse{Content: "I can help with a loan. How much would you like to borrow?"}
		case years == 0:
			return &LLMResponse{Content: fmt.Sprintf("Over how many years would you like to repay the loan of $%.2f?", amount)}
		case (newYears || newAmount) && available[roster.ToolCalculateMonthlyPayment]:
			return p.call("Let me calculate your repayments.", roster.ToolCalculateMonthlyPayment, map[string]interface{}{
				"loan_amount": amount,
				"years":       years,
			})
		}
		return &LLMResponse{Content: "Is there anything else I can help you with on your loan?"}
	}

	switch {
	case name == "" && amount == 0:
		return &LLMResponse{Content: "I'd be happy to open an account for you. What is the account holder's name and the initial balance?"}
	case name == "":
		return &LLMResponse{Content: fmt.Sprintf("Thanks, I've noted an initial balance of $%.2f. What is the account holder's full name?", amount)}
	case amount == 0:
		return &LLMResponse{Content: fmt.Sprintf("Thanks, %s. What initial balance would you like to deposit?", name)}
	case (newName || newAmount) && available[roster.ToolCreateAccount]:
		return p.call("Opening your account now.", roster.ToolCreateAccount, map[string]interface{}{
			"account_holder": name,
			"balance":        amount,
		})
	}
	return &LLMResponse{Content: "Is there anything else I can help you with?"}
}

func (p *OfflineProvider) transactions(users []string, available map[string]bool) *LLMResponse {
	latest := ""
	if len(users) > 0 {
		latest = users[len(users)-1]
	}
	switch classify(latest) {
	case intentSales, intentSupport:
		return p.handoff("Customer support will take it from here. Transferring you now.", roster.CustomerSupport, available)
	}

	mode := ""
	var accounts []string
	var amount float64
	for _, text := range users {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "balance") {
			mode = "balance"
			accounts = nil
		}
		if strings.Contains(lower, "transfer") || strings.Contains(lower, "send") {
			mode = "transfer"
			accounts = nil
		}
		accounts = append(accounts, accountPattern.FindAllString(text, -1)...)
		if a, ok := parseDollar(text); ok {
			amount = a
		}
	}
	fresh := accountPattern.MatchString(latest) || dollarPattern.MatchString(latest)

	switch mode {
	case "balance":
		if len(accounts) == 0 {
			return &LLMResponse{Content: "Which account number would you like the balance for?"}
		}
		if fresh && available[roster.ToolBankBalance] {
			return p.call("Checking your balance.", roster.ToolBankBalance, map[string]interface{}{
				"account_number": accounts[len(accounts)-1],
			})
		}
	case "transfer":
		switch {
		case len(accounts) < 2:
			return &LLMResponse{Content: "Please give me the account to transfer from and the account to transfer to."}
		case amount == 0:
			return &LLMResponse{Content: "How much would you like to transfer? Please include a $ sign."}
		case fresh && available[roster.ToolBankTransfer]:
			return p.call("Processing your transfer.", roster.ToolBankTransfer, map[string]interface{}{
				"from_account": accounts[0],
				"to_account":   accounts[1],
				"amount":       amount,
			})
		}
	}
	return &LLMResponse{Content: "I can check balances and make transfers. What would you like to do?"}
}

func (p *OfflineProvider) handoff(text string, target roster.ID, available map[string]bool) *LLMResponse {
	name := TransferToolName(target)
	if !available[name] {
		return &LLMResponse{Content: text}
	}
	return p.call(text, name, map[string]interface{}{})
}

func (p *OfflineProvider) call(text, name string, params map[string]interface{}) *LLMResponse {
	return &LLMResponse{
		Content: text,
		ToolCalls: []ToolCall{{
			ID:         p.newID(),
			Name:       name,
			Parameters: params,
		}},
	}
}

func classify(text string) intent {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "open an account", "new account", "open a new", "create an account", "open account", "loan", "borrow", "mortgage"):
		return intentSales
	case containsAny(lower, "balance", "transfer", "send money"):
		return intentTransactions
	case containsAny(lower, "help", "product", "branch", "location", "advice", "advise"):
		return intentSupport
	}
	return intentNone
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func userTexts(messages []AgentMessage) []string {
	var out []string
	for _, msg := range messages {
		if msg.Role == "user" {
			out = append(out, msg.Content)
		}
	}
	return out
}

func parseYears(text string) (float64, bool) {
	m := yearsPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil && v > 0
}

func parseDollar(text string) (float64, bool) {
	m := dollarPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	return v, err == nil && v > 0
}

// parseAmount prefers a $-prefixed figure and otherwise takes the first
// number that is not a term in years.
func parseAmount(text string) (float64, bool) {
	if v, ok := parseDollar(text); ok {
		return v, true
	}
	stripped := yearsPattern.ReplaceAllString(text, "")
	for _, m := range numberPattern.FindAllString(stripped, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
		if err == nil && v > 0 {
			return v, true
		}
	}
	return 0, false
}

func parseName(text string) (string, bool) {
	m := namePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	for _, stop := range []string{" and ", " with "} {
		if i := strings.Index(strings.ToLower(name), stop); i > 0 {
			name = name[:i]
		}
	}
	return strings.TrimSpace(name), name != ""
}

// summarizeToolResults phrases the tool results that follow the last
// assistant turn.
func summarizeToolResults(messages []AgentMessage) string {
	start := len(messages)
	for start > 0 && messages[start-1].Role == "tool" {
		start--
	}

	var parts []string
	for _, msg := range messages[start:] {
		parts = append(parts, describeResult(msg.Content))
	}
	return strings.Join(parts, " ")
}

func describeResult(content string) string {
	if strings.HasPrefix(content, "error: ") {
		return "Sorry, that didn't work: " + strings.TrimPrefix(content, "error: ") + "."
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return content
	}
	if payment, ok := fields["monthly_payment"].(float64); ok {
		years, _ := fields["years"].(float64)
		return fmt.Sprintf("Your monthly repayment would be $%.2f over %d years.", payment, int(years))
	}
	if holder, ok := fields["account_holder"].(string); ok {
		number, _ := fields["account_number"].(string)
		balance, _ := fields["balance"].(float64)
		return fmt.Sprintf("Account %s has been opened for %s with a balance of $%.2f.", number, holder, balance)
	}
	if balance, ok := fields["balance"].(float64); ok {
		number, _ := fields["account_number"].(string)
		return fmt.Sprintf("The balance of account %s is $%.2f.", number, balance)
	}
	return content
}
