package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/reading-rag/internal/core/search"
)

// SearchAction はハイブリッド検索を実行して結果を表示する
func SearchAction(ctx context.Context, cmd *cli.Command) error {
	query := strings.TrimSpace(cmd.String("query"))
	if query == "" {
		return fmt.Errorf("--query を指定してください")
	}

	req := search.Request{
		Query: query,
		TopK:  cmd.Int("top-k"),
		Mode:  search.ParseMode(cmd.String("mode")),
		Filter: search.Filter{
			SourceTypes: cmd.StringSlice("type"),
			SourceIDs:   cmd.StringSlice("source-id"),
			Partition:   cmd.String("partition"),
		},
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	renderSearchResults(os.Stdout, appCtx.Container.Retriever.Search(ctx, req))
	return nil
}
