// Package dispatch turns a StructuredCall into either a direct read or an
// executor-routed write and reports every outcome as an ExecuteResult.
package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/acgodson/autonomify-sub000/internal/calldata"
	"github.com/acgodson/autonomify-sub000/internal/coerce"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/identity"
	"github.com/acgodson/autonomify-sub000/internal/resolver"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// Observer receives one notification per dispatch.
type Observer interface {
	ObserveDispatch(kind string, code string, elapsed time.Duration)
}

// Dispatcher is stateless; a single instance may serve concurrent calls.
type Dispatcher struct {
	logger   *slog.Logger
	audit    *slog.Logger
	observer Observer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithAuditLogger sets the logger that records every write.
func WithAuditLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.audit = l
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// New constructs a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: logger.Named("dispatch"),
		audit:  logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Plan is a fully resolved and encoded call, ready for I/O.
type Plan struct {
	Contract *export.Contract
	Function *export.Function
	ReadOnly bool
	// Calldata targets the contract itself.
	Calldata []byte
	// Tx is set for writes only.
	Tx *UnsignedTransaction
}

// Prepare runs every pure step of a dispatch: resolve, coerce, encode and,
// for writes, wrap for the executor. It performs no I/O.
func (d *Dispatcher) Prepare(b *export.Bundle, agentID string, call StructuredCall) (*Plan, Stage, error) {
	if b == nil {
		return nil, StageResolving, xerrors.New(xerrors.CodeInitializationFailure, "未加载 ExportBundle")
	}

	contract, fn, err := resolver.Resolve(b, call.ContractAddress, call.FunctionName, call.Args.Len())
	if err != nil {
		return nil, StageResolving, err
	}
	plan := &Plan{Contract: contract, Function: fn, ReadOnly: resolver.IsReadOnly(fn)}

	raw, err := call.Args.Positional(fn.Inputs)
	if err != nil {
		return plan, StageCoercing, err
	}
	args, err := coerce.Args(fn.Inputs, raw)
	if err != nil {
		return plan, StageCoercing, err
	}

	if plan.Calldata, err = calldata.EncodeCall(fn, args); err != nil {
		return plan, StageEncoding, err
	}
	if plan.ReadOnly {
		return plan, StageReading, nil
	}

	id, err := identity.ToCanonicalID(agentID)
	if err != nil {
		return plan, StageWriting, err
	}
	wrapped, err := calldata.EncodeExecutorCall(b.Executor.ParsedABI(), id, contract.Address(), plan.Calldata)
	if err != nil {
		return plan, StageWriting, err
	}
	value, err := call.Value.Wei()
	if err != nil {
		return plan, StageWriting, err
	}
	plan.Tx = &UnsignedTransaction{
		To:      b.Executor.AddressValue(),
		Data:    wrapped,
		Value:   value,
		ChainID: b.Chain.ChainID(),
	}
	if plan.Tx.To == (common.Address{}) {
		return plan, StageWriting, xerrors.New(xerrors.CodeExecutorNotDeployed,
			fmt.Sprintf("链 %d 上未部署 Executor，拒绝写操作", b.Chain.ID),
			xerrors.WithMetadata("chain_id", strconv.FormatUint(b.Chain.ID, 10)),
		)
	}
	return plan, StageWriting, nil
}

// Dispatch executes call against the bundle. It never panics and never
// returns an error: every failure is reported in the result. The only
// blocking points are reader.CallContract and signer.SignAndBroadcast, and
// neither is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, b *export.Bundle, agentID string, call StructuredCall, reader ReadClient, signer Signer) (res ExecuteResult) {
	start := time.Now()
	kind := "unknown"
	stage := StageResolving

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panic", slog.Any("panic", r), slog.String("stage", string(stage)))
			res = failure(call, stage, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("内部错误: %v", r)))
		}
		var code string
		if res.Error != nil {
			code = string(res.Error.Code)
		}
		if d.observer != nil {
			d.observer.ObserveDispatch(kind, code, time.Since(start))
		}
	}()

	plan, stage, err := d.Prepare(b, agentID, call)
	if plan != nil {
		kind = "write"
		if plan.ReadOnly {
			kind = "read"
		}
	}
	if err != nil {
		d.logger.Debug("dispatch rejected",
			slog.String("stage", string(stage)),
			slog.String("contract", call.ContractAddress),
			slog.String("function", call.FunctionName),
			slog.Any("error", err))
		return failure(call, stage, err)
	}

	if plan.ReadOnly {
		return d.read(ctx, plan, call, reader)
	}
	return d.write(ctx, plan, agentID, call, signer)
}

func (d *Dispatcher) read(ctx context.Context, plan *Plan, call StructuredCall, reader ReadClient) ExecuteResult {
	if reader == nil {
		return failure(call, StageReading, xerrors.New(xerrors.CodeReadCallFailure, "未配置只读链客户端"))
	}
	target := plan.Contract.Address()
	out, err := reader.CallContract(ctx, gethcore.CallMsg{To: &target, Data: plan.Calldata}, nil)
	if err != nil {
		return failure(call, StageReading, readError(err))
	}
	decoded, err := calldata.DecodeOutputs(plan.Function, out)
	if err != nil {
		return failure(call, StageReading, err)
	}
	if decoded == nil {
		decoded = []any{}
	}
	return ExecuteResult{Success: true, Result: decoded}
}

func (d *Dispatcher) write(ctx context.Context, plan *Plan, agentID string, call StructuredCall, signer Signer) ExecuteResult {
	if signer == nil {
		return failure(call, StageWriting, xerrors.New(xerrors.CodeSigningFailure, "未配置签名器"))
	}
	hash, err := signer.SignAndBroadcast(ctx, *plan.Tx)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeSigningFailure {
			err = xerrors.Wrap(xerrors.CodeSigningFailure, err, "签名或广播交易失败")
		}
		d.audit.Warn("写操作失败",
			slog.String("agent_id", agentID),
			slog.String("executor", plan.Tx.To.Hex()),
			slog.String("target", plan.Contract.Address().Hex()),
			slog.String("function", plan.Function.Signature),
			slog.String("error", err.Error()))
		return failure(call, StageWriting, err)
	}
	d.audit.Info("写操作已广播",
		slog.String("agent_id", agentID),
		slog.String("executor", plan.Tx.To.Hex()),
		slog.String("target", plan.Contract.Address().Hex()),
		slog.String("function", plan.Function.Signature),
		slog.String("selector", hexutil.Encode(plan.Calldata[:4])),
		slog.String("value_wei", plan.Tx.Value.String()),
		slog.String("tx_hash", hash.Hex()))
	return ExecuteResult{Success: true, TxHash: hash.Hex()}
}

// ExecutorNonce reads the executor's per-agent nonce. The nonce is owned by
// the executor contract; this is an operator query and never feeds a dispatch.
func (d *Dispatcher) ExecutorNonce(ctx context.Context, b *export.Bundle, agentID string, reader ReadClient) (*big.Int, error) {
	if b == nil || reader == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ExportBundle 或链客户端未初始化")
	}
	if b.Executor.AddressValue() == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeExecutorNotDeployed, "未部署 Executor")
	}
	id, err := identity.ToCanonicalID(agentID)
	if err != nil {
		return nil, err
	}
	data, err := calldata.EncodeNonceCall(b.Executor.ParsedABI(), id)
	if err != nil {
		return nil, err
	}
	executor := b.Executor.AddressValue()
	out, err := reader.CallContract(ctx, gethcore.CallMsg{To: &executor, Data: data}, nil)
	if err != nil {
		return nil, readError(err)
	}
	return calldata.DecodeNonce(out)
}

// readError attaches the decoded revert reason when the node returns one.
func readError(err error) error {
	opts := []xerrors.Option{}
	var dataErr interface{ ErrorData() interface{} }
	if stdErrors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(s); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					opts = append(opts, xerrors.WithMetadata("revert_reason", reason))
				}
			}
		}
	}
	return xerrors.Wrap(xerrors.CodeReadCallFailure, err, "只读调用失败", opts...)
}

// Explain converts an error returned by Prepare into the structured form
// carried by ExecuteResult.
func Explain(call StructuredCall, stage Stage, err error) *ExecuteError {
	if err == nil {
		return nil
	}
	return toExecuteError(call, stage, err)
}

func failure(call StructuredCall, stage Stage, err error) ExecuteResult {
	return ExecuteResult{Success: false, Error: toExecuteError(call, stage, err)}
}

func toExecuteError(call StructuredCall, stage Stage, err error) *ExecuteError {
	out := &ExecuteError{
		Code:     xerrors.CodeUnknown,
		Message:  err.Error(),
		Stage:    stage,
		Contract: call.ContractAddress,
		Function: call.FunctionName,
	}
	e, ok := xerrors.From(err)
	if !ok {
		return out
	}
	out.Code = e.Code()
	out.Message = e.Error()
	for k, v := range e.Metadata() {
		switch k {
		case "argument_index":
			if idx, convErr := strconv.Atoi(v); convErr == nil {
				out.ArgumentIndex = &idx
			}
		case "argument_name":
			out.ArgumentName = v
		case "expected_type":
			out.ExpectedType = v
		case "received":
			out.Received = v
		case "contract", "function":
		default:
			if out.Details == nil {
				out.Details = make(map[string]string)
			}
			out.Details[k] = v
		}
	}
	return out
}
