package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mnemolabs/mnemo/internal/memory"
	"github.com/spf13/cobra"
)

var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store a memory in the local store",
	Long: `Store a memory directly in the local store, running the same
arbitration pipeline as the HTTP service.

Examples:
  mnemo remember "always use snake_case for Go test names"
  mnemo remember "auth service listens on :7001" --type development --project /src/auth`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRemember(args[0])
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search memories in the local store",
	Long: `Search the local store by semantic similarity.

Examples:
  mnemo recall "how do we name Go tests"
  mnemo recall "auth ports" --scope development --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecall(args[0])
	},
}

var (
	memMachine  string
	memProject  string
	memCategory string
	recallScope string
	recallLimit int
)

func init() {
	rememberCmd.Flags().StringVar(&memMachine, "machine", "", "Machine name (default: hostname)")
	rememberCmd.Flags().StringVar(&memProject, "project", "", "Project path (default: working directory)")
	rememberCmd.Flags().StringVar(&memCategory, "type", "insight", "Content type (requirement|plan|development|testing|insight)")

	recallCmd.Flags().StringVar(&memMachine, "machine", "", "Machine name (default: hostname)")
	recallCmd.Flags().StringVar(&memProject, "project", "", "Project path (default: working directory)")
	recallCmd.Flags().StringVar(&recallScope, "scope", "", "Restrict to one content type")
	recallCmd.Flags().IntVar(&recallLimit, "limit", 10, "Maximum results")
}

func localScope(category string) (memory.Scope, error) {
	machine := memMachine
	if machine == "" {
		host, err := os.Hostname()
		if err != nil {
			return memory.Scope{}, fmt.Errorf("failed to resolve hostname: %w", err)
		}
		machine = host
	}
	project := memProject
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return memory.Scope{}, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		project = wd
	}
	return memory.Scope{Machine: machine, Project: project, Category: memory.Category(category)}, nil
}

func runRemember(content string) error {
	scope, err := localScope(memCategory)
	if err != nil {
		return err
	}
	if !scope.Category.Valid() {
		return fmt.Errorf("invalid content type %q", memCategory)
	}

	comps, err := openComponents()
	if err != nil {
		return err
	}
	defer comps.Close()

	decision, err := comps.ingestor.Ingest(context.Background(), scope, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("remember failed: %w", err)
	}

	switch decision.Kind {
	case memory.DecisionCreated:
		fmt.Printf("✅ Remembered (%s)\n", decision.MemoryID)
	case memory.DecisionUpdated:
		fmt.Printf("🔄 Updated existing memory (%s)\n", decision.MemoryID)
	default:
		fmt.Printf("⏭️  Already known (%s)\n", decision.MemoryID)
	}
	return nil
}

func runRecall(query string) error {
	scope, err := localScope(recallScope)
	if err != nil {
		return err
	}
	if recallScope != "" && recallScope != "all" && !scope.Category.Valid() {
		return fmt.Errorf("invalid scope %q", recallScope)
	}
	if recallScope == "all" {
		scope.Category = ""
	}

	comps, err := openComponents()
	if err != nil {
		return err
	}
	defer comps.Close()

	hits, err := comps.searcher.Search(context.Background(), scope, query, recallLimit)
	if err != nil {
		return fmt.Errorf("recall failed: %w", err)
	}
	if len(hits) == 0 {
		fmt.Println("No matching memories.")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%.3f  [%s v%d]  %s\n", h.Similarity, h.Memory.Category, h.Memory.Version, h.Memory.Snippet(120))
	}
	return nil
}
