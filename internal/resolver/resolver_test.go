package resolver_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/export/exporttest"
	"github.com/acgodson/autonomify-sub000/internal/resolver"
)

func TestResolveIsCaseInsensitiveOnAddress(t *testing.T) {
	b := exporttest.Bundle(t)
	c, fn, err := resolver.Resolve(b, strings.ToUpper("0x"+exporttest.TokenAddress[2:]), "balanceOf", 1)
	require.NoError(t, err)
	require.Equal(t, "Test Token", c.Name)
	require.Equal(t, "balanceOf", fn.Name)
	require.True(t, resolver.IsReadOnly(fn))
}

func TestResolveErrors(t *testing.T) {
	b := exporttest.Bundle(t)

	_, _, err := resolver.Resolve(b, "0x4444444444444444444444444444444444444444", "balanceOf", 1)
	require.Equal(t, xerrors.CodeContractNotFound, xerrors.CodeOf(err))

	_, _, err = resolver.Resolve(b, exporttest.TokenAddress, "mint", 2)
	require.Equal(t, xerrors.CodeFunctionNotFound, xerrors.CodeOf(err))
	e, _ := xerrors.From(err)
	require.Equal(t, "mint", e.Metadata()["function"])
	require.Contains(t, e.Metadata()["available"], "approve")

	_, _, err = resolver.Resolve(b, exporttest.TokenAddress, "BalanceOf", 1)
	require.Error(t, err, "function names are case sensitive")

	require.NoError(t, resolver.Validate(b, exporttest.RouterAddress, "getAmountsOut"))
	require.Error(t, resolver.Validate(b, exporttest.RouterAddress, "quote"))
}

func TestResolveOverloads(t *testing.T) {
	b := exporttest.Bundle(t)

	_, fn, err := resolver.Resolve(b, exporttest.OverloadAddress, "ping", 2)
	require.NoError(t, err)
	require.Equal(t, "ping(uint256,address)", fn.Signature)

	_, fn, err = resolver.Resolve(b, exporttest.OverloadAddress, "ping", 1)
	require.NoError(t, err)
	require.Equal(t, "ping(uint256)", fn.Signature)

	_, fn, err = resolver.Resolve(b, exporttest.OverloadAddress, "ping", 5)
	require.NoError(t, err)
	require.Equal(t, "ping(uint256)", fn.Signature, "falls back to the first declaration")

	_, fn, err = resolver.Resolve(b, exporttest.OverloadAddress, "ping", resolver.AnyArity)
	require.NoError(t, err)
	require.Equal(t, "ping(uint256)", fn.Signature)
}

func TestIsReadOnly(t *testing.T) {
	cases := map[string]bool{
		"view":       true,
		"pure":       true,
		"VIEW":       true,
		"nonpayable": false,
		"payable":    false,
		"":           false,
	}
	for mutability, want := range cases {
		got := resolver.IsReadOnly(&export.Function{StateMutability: mutability})
		require.Equalf(t, want, got, "mutability %q", mutability)
	}
	require.False(t, resolver.IsReadOnly(nil))
}

func TestClassify(t *testing.T) {
	b := exporttest.Bundle(t)
	token, _ := b.Contract(exporttest.TokenAddress)
	router, _ := b.Contract(exporttest.RouterAddress)
	other, _ := b.Contract(exporttest.OverloadAddress)

	require.Equal(t, resolver.KindERC20, resolver.Classify(token.FunctionNames()))
	require.Equal(t, resolver.KindDEXRouter, resolver.Classify(router.FunctionNames()))
	require.Equal(t, resolver.KindUnknown, resolver.Classify(other.FunctionNames()))

	nft := []string{"balanceOf", "ownerOf", "approve", "safeTransferFrom", "setApprovalForAll", "tokenURI"}
	require.Equal(t, resolver.KindERC721, resolver.Classify(nft))

	staking := []string{"stake", "withdraw", "getReward", "earned", "balanceOf"}
	require.Equal(t, resolver.KindStaking, resolver.Classify(staking))
	require.Equal(t, "Staking", resolver.KindStaking.String())
}
