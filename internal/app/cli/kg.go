package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

// KGIngestAction はインデックス済みのソースから知識グラフを構築する
func KGIngestAction(ctx context.Context, cmd *cli.Command) error {
	ref, err := sourceRefFromFlags(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	res, err := appCtx.Container.IngestGraph(ctx, ref, strings.TrimSpace(cmd.String("title")))
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("知識グラフの構築に失敗: %s", res.Error)
	}

	fmt.Printf("エンティティ 作成 %d / 更新 %d、リレーション 作成 %d / 更新 %d\n",
		res.EntitiesCreated, res.EntitiesUpdated, res.RelationsCreated, res.RelationsUpdated)
	return nil
}

// KGRemoveAction はソース由来の知識グラフを削除する
func KGRemoveAction(ctx context.Context, cmd *cli.Command) error {
	ref, err := sourceRefFromFlags(cmd)
	if err != nil {
		return err
	}
	if err := confirm(fmt.Sprintf("%s/%s の知識グラフを削除しますか", ref.Type, ref.ID), cmd.Bool("yes")); err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.RemoveGraph(ctx, ref); err != nil {
		return err
	}
	fmt.Printf("%s/%s の知識グラフを削除しました\n", ref.Type, ref.ID)
	return nil
}

// KGGraphAction はソースに紐づくグラフを表示する
func KGGraphAction(ctx context.Context, cmd *cli.Command) error {
	ref, err := sourceRefFromFlags(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	graph := appCtx.Container.KGRead.GetArticleGraph(ctx, toGraphRef(ref))
	renderGraph(os.Stdout, graph)
	return nil
}

// KGOverviewAction は言及数上位のエンティティとその間のリレーションを表示する
func KGOverviewAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	renderGraph(os.Stdout, appCtx.Container.KGRead.GetOverview(ctx, cmd.Int("top")))
	return nil
}

// KGSubgraphAction はエンティティ周辺のサブグラフを表示する
func KGSubgraphAction(ctx context.Context, cmd *cli.Command) error {
	entityID, err := uuid.Parse(cmd.String("entity"))
	if err != nil {
		return fmt.Errorf("--entity はUUIDで指定してください: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	renderGraph(os.Stdout, appCtx.Container.KGRead.GetSubgraph(ctx, entityID, cmd.Int("depth")))
	return nil
}

// KGSearchAction はエンティティを名前で検索する
func KGSearchAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	nodes := appCtx.Container.KGRead.SearchEntities(ctx, cmd.String("query"), cmd.String("entity-type"))
	renderNodes(os.Stdout, nodes)
	return nil
}

// KGStatsAction は知識グラフの統計を表示する
func KGStatsAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	renderStats(os.Stdout, appCtx.Container.KGRead.GetStats(ctx))
	return nil
}
