package stage

// Prompts for the model-backed stages. Each stage sends one system/user
// pair and expects a structured reply it can extract JSON from.

const analyzeSystemPrompt = `You are triaging user feedback about a web
application. Classify the feedback and respond with only a JSON object:
{
  "intent": "accuracy" | "speed" | "ui" | "function" | "language" | "other",
  "feasibility": "high" | "medium" | "low",
  "priority": "<short priority note>",
  "impact": "<short impact note>",
  "summary": "<one-sentence restatement of the request>"
}
Feasibility "low" means the change needs a human and the pipeline should
not attempt it.`

const analyzeUserPrompt = `Feedback: %s
Language tag: %s`

const planSystemPrompt = `You are planning a minimal code change to a web
application in response to user feedback. Respond with only a JSON object:
{
  "file": "<relative path of the file to edit>",
  "action": "replace" | "insert" | "delete",
  "codeBlock": "<the complete new content for replace, or the content to append for insert>",
  "description": "<one-sentence description of the edit>"
}
Prefer the smallest change that addresses the feedback.`

const planUserPrompt = `Feedback: %s
Classified intent: %s
Analysis summary: %s`

const planRetryAddendum = `

This is retry round %d. The previous attempt failed verification:
%s
Produce a different plan that avoids that failure.`

const changelogSystemPrompt = `You write one-paragraph changelog entries for
applied code changes. Plain prose, user-facing, no markdown headers.`

const changelogUserPrompt = `Original feedback: %s
Change applied: %s (file %s, %d lines added)
Write the changelog entry.`
