package docgen

import "github.com/tmc/langchaingo/prompts"

// The IDL JSON embedded in the overview and security prompts is truncated so
// oversized programs cannot blow past the provider context window.
const idlExcerptLimit = 15000

var overviewTemplate = prompts.NewPromptTemplate(
	`You are documenting the Solana program "{{.name}}".

The program exposes {{.instructionCount}} instructions, {{.accountCount}} account types, {{.typeCount}} custom types, {{.eventCount}} events, and {{.errorCount}} error codes.

Write a concise overview for developers integrating with this program: what it does, the main flows it supports, and how its instructions relate to its accounts. Use Markdown.

IDL (may be truncated):
{{.idl}}`,
	[]string{"name", "instructionCount", "accountCount", "typeCount", "eventCount", "errorCount", "idl"},
)

var instructionsTemplate = prompts.NewPromptTemplate(
	`You are documenting instructions of the Solana program "{{.name}}".

For each instruction below, produce a Markdown section headed "### <instruction name>" containing: a short description, a table of the accounts it requires (name, writable/signer, purpose), a table of its arguments (name, type, meaning), and a usage example in a fenced code block.

Instructions (JSON):
{{.batch}}`,
	[]string{"name", "batch"},
)

var accountsTemplate = prompts.NewPromptTemplate(
	`You are documenting the account and type layout of the Solana program "{{.name}}".

Describe each account type and custom type: what state it holds, which instructions create and mutate it, and any layout details worth knowing. Use Markdown with "### <type name>" headings.

Accounts (JSON):
{{.accounts}}

Types (JSON):
{{.types}}{{.extra}}`,
	[]string{"name", "accounts", "types", "extra"},
)

var securityTemplate = prompts.NewPromptTemplate(
	`You are writing security notes for the Solana program "{{.name}}" based on static IDL analysis only.

Point out authority and signer requirements, accounts that gate privileged operations, and integration mistakes callers should avoid. Do not speculate beyond what the IDL shows; this is static IDL analysis only, not an audit.

IDL (may be truncated):
{{.idl}}`,
	[]string{"name", "idl"},
)
