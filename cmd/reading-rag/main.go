package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	appcli "github.com/jinford/reading-rag/internal/app/cli"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		envFlag(),
		&cli.StringFlag{
			Name:     "type",
			Usage:    "ソース種別 (article, book, highlight, transcript)",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "id",
			Usage:    "ソースID",
			Required: true,
		},
	}
}

func yesFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "yes",
		Usage: "確認せずに実行",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "reading-rag",
		Usage: "読書ノート向けハイブリッド検索インデックスと知識グラフ",
		Commands: []*cli.Command{
			{
				Name:  "schema",
				Usage: "スキーマ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "migrate",
						Usage:  "テーブルを作成し、ベクトルの次元と距離関数を検証",
						Flags:  []cli.Flag{envFlag()},
						Action: appcli.SchemaMigrateAction,
					},
				},
			},
			{
				Name:  "index",
				Usage: "インデックス管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "ingest",
						Usage: "ファイルの本文をソースとしてインデックス化",
						Flags: append(sourceFlags(),
							&cli.StringFlag{
								Name:     "file",
								Usage:    "本文ファイルパス",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "title",
								Usage: "ソースのタイトル",
							},
							&cli.StringFlag{
								Name:  "partition",
								Usage: "検索時の絞り込みに使うパーティション",
							},
						),
						Action: appcli.IndexIngestAction,
					},
					{
						Name:   "remove",
						Usage:  "ソースのインデックスを削除",
						Flags:  append(sourceFlags(), yesFlag()),
						Action: appcli.IndexRemoveAction,
					},
					{
						Name:  "pending",
						Usage: "pendingのチャンクをEmbedding",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "batch-size",
								Usage: "1回に処理するチャンク数（省略時は PENDING_BATCH_SIZE）",
							},
							&cli.BoolFlag{
								Name:  "all",
								Usage: "pendingがなくなるまで繰り返す",
							},
						},
						Action: appcli.IndexPendingAction,
					},
					{
						Name:   "status",
						Usage:  "ソースのチャンク状態を表示",
						Flags:  sourceFlags(),
						Action: appcli.IndexStatusAction,
					},
				},
			},
			{
				Name:  "search",
				Usage: "ベクトル検索と全文検索を融合して検索",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:     "query",
						Usage:    "検索クエリ",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "top-k",
						Usage: "返す件数",
						Value: 10,
					},
					&cli.StringFlag{
						Name:  "mode",
						Usage: "検索経路 (hybrid, vector, keyword)",
						Value: "hybrid",
					},
					&cli.StringSliceFlag{
						Name:  "type",
						Usage: "ソース種別で絞り込み（複数指定可）",
					},
					&cli.StringSliceFlag{
						Name:  "source-id",
						Usage: "ソースIDで絞り込み（複数指定可）",
					},
					&cli.StringFlag{
						Name:  "partition",
						Usage: "パーティションで絞り込み",
					},
				},
				Action: appcli.SearchAction,
			},
			{
				Name:  "kg",
				Usage: "知識グラフコマンド",
				Commands: []*cli.Command{
					{
						Name:  "ingest",
						Usage: "インデックス済みソースからエンティティとリレーションを抽出",
						Flags: append(sourceFlags(),
							&cli.StringFlag{
								Name:  "title",
								Usage: "ソースのタイトル",
							},
						),
						Action: appcli.KGIngestAction,
					},
					{
						Name:   "remove",
						Usage:  "ソース由来の知識グラフを削除",
						Flags:  append(sourceFlags(), yesFlag()),
						Action: appcli.KGRemoveAction,
					},
					{
						Name:   "graph",
						Usage:  "ソースに紐づくグラフを表示",
						Flags:  sourceFlags(),
						Action: appcli.KGGraphAction,
					},
					{
						Name:  "overview",
						Usage: "言及数上位のエンティティを表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "top",
								Usage: "表示するエンティティ数",
								Value: 50,
							},
						},
						Action: appcli.KGOverviewAction,
					},
					{
						Name:  "subgraph",
						Usage: "エンティティ周辺のサブグラフを表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "entity",
								Usage:    "起点エンティティのID",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "depth",
								Usage: "探索の深さ（最大3）",
								Value: 1,
							},
						},
						Action: appcli.KGSubgraphAction,
					},
					{
						Name:  "search",
						Usage: "エンティティを名前で検索",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "query",
								Usage:    "検索語",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "entity-type",
								Usage: "エンティティ種別で絞り込み",
							},
						},
						Action: appcli.KGSearchAction,
					},
					{
						Name:   "stats",
						Usage:  "知識グラフの統計を表示",
						Flags:  []cli.Flag{envFlag()},
						Action: appcli.KGStatsAction,
					},
				},
			},
			{
				Name:  "backfill",
				Usage: "ディレクトリまたはGitリポジトリの全ソースを再インデックス",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "dir",
						Usage: "コーパスのディレクトリ",
					},
					&cli.StringFlag{
						Name:  "repo",
						Usage: "コーパスのGitリポジトリURL",
					},
					&cli.StringFlag{
						Name:  "ref",
						Usage: "ブランチ名（省略時は GIT_DEFAULT_BRANCH）",
					},
					&cli.StringFlag{
						Name:  "type",
						Usage: "ソース種別",
						Value: "article",
					},
					&cli.BoolFlag{
						Name:  "with-kg",
						Usage: "知識グラフも構築する",
					},
					&cli.StringFlag{
						Name:  "schedule",
						Usage: "cron 形式のスケジュール。指定すると常駐して定期実行",
					},
				},
				Action: appcli.BackfillAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
