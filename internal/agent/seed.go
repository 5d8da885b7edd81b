package agent

import (
	"embed"

	"github.com/nicodishanthj/soldocs/internal/common"
	"github.com/nicodishanthj/soldocs/internal/idl"
	"github.com/nicodishanthj/soldocs/internal/store"
)

//go:embed idls/*.json
var seedAssets embed.FS

type seedProgram struct {
	ProgramID string
	Label     string
	IDLFile   string
}

// Well-known mainnet programs used to bootstrap an empty installation.
var seedPrograms = []seedProgram{
	{ProgramID: "dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH", Label: "Drift", IDLFile: "drift.json"},
	{ProgramID: "MarBmsSgKXdrN1egZf5sqe1TMai9K1rChYNDJgjq7aD", Label: "Marinade", IDLFile: "marinade.json"},
	{ProgramID: "opnb2LAfJYbRMAHHvqjCwQxanZn7ReEHp1k81EohpZb", Label: "OpenBook", IDLFile: "openbook.json"},
	{ProgramID: "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4", Label: "Jupiter", IDLFile: "jupiter.json"},
	{ProgramID: "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc", Label: "Whirlpool", IDLFile: "whirlpool.json"},
	{ProgramID: "metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s", Label: "Token Metadata", IDLFile: "metaplex_token_metadata.json"},
	{ProgramID: "MFv2hWf31Z9kbCa1snEPYctwafyhdvnV7FZnsebVacA", Label: "Marginfi", IDLFile: "marginfi.json"},
}

// Seed loads every valid bundled IDL into the cache and enqueues its
// program. Returns the number of programs seeded. Individual bad assets are
// skipped, not fatal.
func Seed(st *store.Store) (int, error) {
	logger := common.Logger()
	seeded := 0
	for _, program := range seedPrograms {
		data, err := seedAssets.ReadFile("idls/" + program.IDLFile)
		if err != nil {
			logger.Warn("seed: bundled idl missing", "label", program.Label, "file", program.IDLFile, "error", err)
			continue
		}
		doc, err := idl.Parse(data)
		if err != nil {
			logger.Warn("seed: bundled idl unparseable", "label", program.Label, "error", err)
			continue
		}
		if len(doc.Instructions()) == 0 {
			logger.Warn("seed: bundled idl has no instructions", "label", program.Label)
			continue
		}
		if _, err := st.SaveIDLSafe(program.ProgramID, doc); err != nil {
			return seeded, err
		}
		if _, _, err := st.AddToQueueSafe(program.ProgramID); err != nil {
			return seeded, err
		}
		logger.Info("seed: program enqueued", "label", program.Label, "program", program.ProgramID)
		seeded++
	}
	return seeded, nil
}

// UpgradeCandidates returns the ids of every documented program. These are
// the programs the periodic upgrade check re-fetches from the chain.
func UpgradeCandidates(st *store.Store) ([]string, error) {
	programs, err := st.ListPrograms()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range programs {
		if p.Status == store.StatusDocumented {
			ids = append(ids, p.ProgramID)
		}
	}
	return ids, nil
}
