package docgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nicodishanthj/soldocs/internal/common"
	"github.com/nicodishanthj/soldocs/internal/idl"
	"github.com/nicodishanthj/soldocs/internal/llm"
	"github.com/nicodishanthj/soldocs/internal/store"
)

const (
	// batchSize bounds how many instructions are documented per LLM call.
	batchSize = 5

	passMaxTokens = 4096

	batchSeparator = "\n\n---\n\n"

	noAccountsSection = "No account types, custom types, events, or error codes are defined in this program's IDL."
)

// Generator orchestrates the four documentation passes for one program.
type Generator struct {
	provider llm.Provider
}

// New returns a generator backed by the given provider.
func New(provider llm.Provider) *Generator {
	return &Generator{provider: provider}
}

// Generate runs the overview, instructions, accounts, and security passes
// and assembles the full Markdown document. It fails outright when any pass
// fails; partial documentation is never returned.
func (g *Generator) Generate(ctx context.Context, doc idl.IDL, programID, idlHash string) (store.Documentation, error) {
	logger := common.Logger()
	name := doc.Name()
	if name == idl.UnknownProgramName {
		return store.Documentation{}, fmt.Errorf("idl for %s carries no program name", programID)
	}

	excerpt, err := idlExcerpt(doc)
	if err != nil {
		return store.Documentation{}, err
	}

	logger.Info("docgen: generating documentation", "program", programID, "name", name, "instructions", len(doc.Instructions()))

	overview, err := g.overviewPass(ctx, doc, name, excerpt)
	if err != nil {
		return store.Documentation{}, fmt.Errorf("overview pass: %w", err)
	}
	instructions, err := g.instructionsPass(ctx, doc, name)
	if err != nil {
		return store.Documentation{}, fmt.Errorf("instructions pass: %w", err)
	}
	accounts, err := g.accountsPass(ctx, doc, name)
	if err != nil {
		return store.Documentation{}, fmt.Errorf("accounts pass: %w", err)
	}
	security, err := g.securityPass(ctx, name, excerpt)
	if err != nil {
		return store.Documentation{}, fmt.Errorf("security pass: %w", err)
	}

	generatedAt := time.Now().UTC()
	full := assembleMarkdown(name, programID, generatedAt, overview, instructions, accounts, security)
	validateMarkdown(programID, full)

	return store.Documentation{
		ProgramID:    programID,
		Name:         name,
		Overview:     overview,
		Instructions: instructions,
		Accounts:     accounts,
		Security:     security,
		FullMarkdown: full,
		GeneratedAt:  generatedAt,
		IDLHash:      idlHash,
	}, nil
}

func (g *Generator) overviewPass(ctx context.Context, doc idl.IDL, name, excerpt string) (string, error) {
	prompt, err := overviewTemplate.Format(map[string]any{
		"name":             name,
		"instructionCount": len(doc.Instructions()),
		"accountCount":     len(doc.Accounts()),
		"typeCount":        len(doc.Types()),
		"eventCount":       len(doc.Events()),
		"errorCount":       len(doc.Errors()),
		"idl":              excerpt,
	})
	if err != nil {
		return "", err
	}
	return g.provider.Generate(ctx, prompt, passMaxTokens)
}

func (g *Generator) instructionsPass(ctx context.Context, doc idl.IDL, name string) (string, error) {
	instructions := doc.Instructions()
	var sections []string
	for start := 0; start < len(instructions); start += batchSize {
		end := start + batchSize
		if end > len(instructions) {
			end = len(instructions)
		}
		batch, err := json.Marshal(instructions[start:end])
		if err != nil {
			return "", fmt.Errorf("encode instruction batch: %w", err)
		}
		prompt, err := instructionsTemplate.Format(map[string]any{
			"name":  name,
			"batch": string(batch),
		})
		if err != nil {
			return "", err
		}
		section, err := g.provider.Generate(ctx, prompt, passMaxTokens)
		if err != nil {
			return "", err
		}
		sections = append(sections, section)
	}
	return strings.Join(sections, batchSeparator), nil
}

func (g *Generator) accountsPass(ctx context.Context, doc idl.IDL, name string) (string, error) {
	accounts := doc.Accounts()
	types := doc.Types()
	events := doc.Events()
	errCodes := doc.Errors()
	if len(accounts) == 0 && len(types) == 0 && len(events) == 0 && len(errCodes) == 0 {
		return noAccountsSection, nil
	}

	accountsJSON, err := json.Marshal(accounts)
	if err != nil {
		return "", fmt.Errorf("encode accounts: %w", err)
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return "", fmt.Errorf("encode types: %w", err)
	}
	var extra strings.Builder
	if len(events) > 0 {
		eventsJSON, err := json.Marshal(events)
		if err != nil {
			return "", fmt.Errorf("encode events: %w", err)
		}
		fmt.Fprintf(&extra, "\n\nEvents (JSON):\n%s", eventsJSON)
	}
	if len(errCodes) > 0 {
		errorsJSON, err := json.Marshal(errCodes)
		if err != nil {
			return "", fmt.Errorf("encode errors: %w", err)
		}
		fmt.Fprintf(&extra, "\n\nError codes (JSON):\n%s", errorsJSON)
	}

	prompt, err := accountsTemplate.Format(map[string]any{
		"name":     name,
		"accounts": string(accountsJSON),
		"types":    string(typesJSON),
		"extra":    extra.String(),
	})
	if err != nil {
		return "", err
	}
	return g.provider.Generate(ctx, prompt, passMaxTokens)
}

func (g *Generator) securityPass(ctx context.Context, name, excerpt string) (string, error) {
	prompt, err := securityTemplate.Format(map[string]any{
		"name": name,
		"idl":  excerpt,
	})
	if err != nil {
		return "", err
	}
	return g.provider.Generate(ctx, prompt, passMaxTokens)
}

func idlExcerpt(doc idl.IDL) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode idl: %w", err)
	}
	excerpt := string(raw)
	if len(excerpt) > idlExcerptLimit {
		excerpt = excerpt[:idlExcerptLimit]
	}
	return excerpt, nil
}

func assembleMarkdown(name, programID string, generatedAt time.Time, overview, instructions, accounts, security string) string {
	header := fmt.Sprintf("# %s\n\nProgram ID: `%s`\n\nGenerated at: %s\n\nGenerated by SolDocs",
		name, programID, generatedAt.Format(time.RFC3339))
	footer := "Documentation generated autonomously by SolDocs. Verify critical details against the deployed program before relying on them."
	return strings.Join([]string{header, overview, instructions, accounts, security, footer}, "\n---\n")
}

// validateMarkdown performs structural sanity checks on the assembled
// document. Findings are warnings only; short or code-free output is still
// persisted.
func validateMarkdown(programID, markdown string) {
	logger := common.Logger()
	if len(markdown) < 500 {
		logger.Warn("docgen: generated document suspiciously short", "program", programID, "length", len(markdown))
	}
	if !strings.Contains(markdown, "```") {
		logger.Warn("docgen: generated document has no fenced code block", "program", programID)
	}
}
