package prompts

// DefaultSystemPrompt is used when loop.system_prompt is not set.
const DefaultSystemPrompt = `You are a capable assistant with access to tools.

Use a tool when it gets you information you do not have or performs an action the user asked for. When a tool fails, read the error, then either retry with corrected arguments or explain the failure. When you have everything you need, answer the user directly without calling further tools.`

// EmptyResponseFallback is the final answer recorded when the model
// ends a run without producing any visible content.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
