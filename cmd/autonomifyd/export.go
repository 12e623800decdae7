package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/export/builder"
	"github.com/acgodson/autonomify-sub000/internal/metadata"
	"github.com/acgodson/autonomify-sub000/internal/observability/metrics"
	"github.com/acgodson/autonomify-sub000/internal/web3"
	"github.com/acgodson/autonomify-sub000/internal/web3/ethereum"
	"github.com/acgodson/autonomify-sub000/internal/web3/provider"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "管理 ExportBundle",
	}
	cmd.AddCommand(exportBuildCmd())
	return cmd
}

type buildFlags struct {
	chainID     uint64
	chainName   string
	rpc         string
	executor    string
	contracts   []string
	out         string
	concurrency int
	noMetadata  bool
}

func exportBuildCmd() *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "从区块浏览器拉取 ABI 并生成 ExportBundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flags.chainID == 0 {
				return errors.New("必须指定 --chain-id")
			}

			chains, err := provider.NewRegistry(ctx, cfg.Web3)
			if err != nil {
				return err
			}
			rt := &runtime{cfg: cfg, chains: chains, metrics: metrics.Default()}
			rt.closers = append(rt.closers, chains.Close)
			defer rt.Close()

			var reader web3.Client
			if client, ok := chains.Client(flags.chainID); ok {
				reader = client
			} else if flags.rpc != "" {
				client, err := ethereum.NewClient(ctx, ethereum.Config{Name: flags.chainName, RPCURL: flags.rpc, ChainID: flags.chainID})
				if err != nil {
					return err
				}
				rt.closers = append(rt.closers, client.Close)
				reader = client
			}

			fetcher, err := rt.abiFetcher(ctx, flags.chainID)
			if err != nil {
				return err
			}
			var meta *metadata.Resolver
			if !flags.noMetadata && reader != nil {
				meta = metadata.NewResolver(dispatch.New(), flags.concurrency)
			}

			chain := export.Chain{ID: flags.chainID, Name: flags.chainName, RPC: flags.rpc}
			if chain.Name == "" && reader != nil {
				chain.Name = reader.Name()
			}
			var readClient dispatch.ReadClient
			if reader != nil {
				readClient = reader
			}
			bundle, err := builder.New(fetcher, meta).Build(ctx, builder.Request{
				Chain:     chain,
				Executor:  flags.executor,
				Contracts: flags.contracts,
			}, readClient)
			if err != nil {
				return err
			}

			if flags.out == "" {
				raw, err := bundle.Marshal()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return err
			}
			if err := export.Save(flags.out, bundle); err != nil {
				return err
			}
			logger.L().Info("ExportBundle 已生成",
				slog.String("path", flags.out),
				slog.Uint64("chain_id", flags.chainID),
				slog.Int("contracts", len(bundle.Contracts)))
			return nil
		},
	}
	f := cmd.Flags()
	f.Uint64Var(&flags.chainID, "chain-id", 0, "链 ID")
	f.StringVar(&flags.chainName, "chain-name", "", "链名称")
	f.StringVar(&flags.rpc, "rpc", "", "写入 bundle 的 RPC 地址，链未在 chain_config 中配置时也用于读取元数据")
	f.StringVar(&flags.executor, "executor", "", "Executor 合约地址")
	f.StringSliceVar(&flags.contracts, "contract", nil, "合约地址，可重复指定")
	f.StringVarP(&flags.out, "out", "o", "", "输出路径，为空时写到标准输出")
	f.IntVar(&flags.concurrency, "metadata-concurrency", 4, "元数据读取并发数")
	f.BoolVar(&flags.noMetadata, "no-metadata", false, "跳过元数据读取")
	_ = cmd.MarkFlagRequired("contract")
	return cmd
}
