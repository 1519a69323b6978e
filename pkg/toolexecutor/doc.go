// Package toolexecutor registers and executes the structured tools agents
// may call.
//
// Invariants:
// - Tool names are unique.
// - Parameters are validated against a generated JSON schema before the
//   handler runs; unknown parameters are rejected.
// - Every execution is bounded by a timeout and its output by a size limit.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Options{DefaultTimeout: 5 * time.Second})
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "bank_balance",
//		Description: "Look up an account balance",
//		Parameters: []toolexecutor.ToolParameter{{Name: "account_number", Type: "string", Description: "account", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return 100.0, nil },
//	})
//	res := exec.Execute(ctx, "bank_balance", map[string]interface{}{"account_number": "1234567890"}, nil)
package toolexecutor
