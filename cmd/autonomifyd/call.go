package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
)

type callFlags struct {
	agentID string
	call    string
}

func (f *callFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.agentID, "agent", "", "智能体 ID (默认使用配置中的 agent.id)")
	cmd.Flags().StringVar(&f.call, "call", "", "结构化调用 JSON，为空或为 - 时从标准输入读取")
}

func (f *callFlags) read(stdin io.Reader) (dispatch.StructuredCall, error) {
	raw := strings.TrimSpace(f.call)
	if raw == "" || raw == "-" {
		content, err := io.ReadAll(stdin)
		if err != nil {
			return dispatch.StructuredCall{}, fmt.Errorf("读取标准输入失败: %w", err)
		}
		raw = string(content)
	}
	var call dispatch.StructuredCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return dispatch.StructuredCall{}, fmt.Errorf("解析调用 JSON 失败: %w", err)
	}
	return call, nil
}

func executeCmd() *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "执行一次结构化调用并输出 ExecuteResult",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			call, err := flags.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			agentID := flags.agentID
			if agentID == "" {
				agentID = cfg.Agent.ID
			}
			res := rt.engine.Run(cmd.Context(), agentID, call)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("调用失败: %s", res.Error.Code)
			}
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

type validation struct {
	Valid    bool                   `json:"valid"`
	Stage    dispatch.Stage         `json:"stage,omitempty"`
	ReadOnly bool                   `json:"readOnly,omitempty"`
	Target   string                 `json:"target,omitempty"`
	Calldata string                 `json:"calldata,omitempty"`
	Error    *dispatch.ExecuteError `json:"error,omitempty"`
}

func validateCmd() *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "只做解析与编码，不发送交易",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			call, err := flags.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			agentID := flags.agentID
			if agentID == "" {
				agentID = cfg.Agent.ID
			}
			plan, stage, err := rt.engine.Validate(agentID, call)
			if err != nil {
				return printJSON(cmd.OutOrStdout(), validation{Stage: stage, Error: dispatch.Explain(call, stage, err)})
			}
			out := validation{
				Valid:    true,
				Stage:    stage,
				ReadOnly: plan.ReadOnly,
				Target:   plan.Contract.Address().Hex(),
				Calldata: hexutil.Encode(plan.Calldata),
			}
			if plan.Tx != nil {
				out.Target = plan.Tx.To.Hex()
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	flags.bind(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
