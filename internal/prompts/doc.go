// Package prompts holds the prompt text the agent sends to models for
// its own operations.
//
// Prompts are Go code rather than config because they are program
// logic: templates use fmt.Sprintf interpolation and can be checked by
// tests. Operator-facing prompt overrides live in config.yaml.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the final string.
package prompts
