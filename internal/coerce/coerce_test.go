package coerce

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
)

const (
	wbnb = "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
	usdt = "0x55d398326f99059fF775485246999027B3197955"
)

func TestUint256DigitStringsKeepFullPrecision(t *testing.T) {
	for _, digits := range []string{
		"0",
		"9007199254740993", // 2^53 + 1
		"1000000000000000000",
		"115792089237316195423570985008687907853269984665640564039457584007913129639935", // 2^256 - 1
	} {
		v, err := Value(digits, "uint256")
		require.NoError(t, err, digits)
		want, _ := new(big.Int).SetString(digits, 10)
		require.Equal(t, 0, want.Cmp(v.(*big.Int)), digits)
	}
}

func TestIntegerSourcesBecomeBigInt(t *testing.T) {
	cases := []struct {
		raw  any
		typ  string
		want int64
	}{
		{raw: 42, typ: "uint8", want: 42},
		{raw: int64(-5), typ: "int64", want: -5},
		{raw: uint32(7), typ: "uint32", want: 7},
		{raw: json.Number("123"), typ: "uint256", want: 123},
		{raw: big.NewInt(9), typ: "uint256", want: 9},
		{raw: float64(5), typ: "uint256", want: 5},
		{raw: " 77 ", typ: "uint", want: 77},
		{raw: "-128", typ: "int8", want: -128},
	}
	for _, tc := range cases {
		v, err := Value(tc.raw, tc.typ)
		require.NoErrorf(t, err, "%v as %s", tc.raw, tc.typ)
		n, ok := v.(*big.Int)
		require.Truef(t, ok, "expected *big.Int, got %T", v)
		require.Equal(t, tc.want, n.Int64())
	}
}

func TestIntegerRejections(t *testing.T) {
	cases := []struct {
		raw any
		typ string
	}{
		{raw: 1.5, typ: "uint256"},
		{raw: json.Number("1.5"), typ: "uint256"},
		{raw: json.Number("1e18"), typ: "uint256"},
		{raw: float64(1 << 60), typ: "uint256"},
		{raw: "12abc", typ: "uint256"},
		{raw: "0x10", typ: "uint256"},
		{raw: "", typ: "uint256"},
		{raw: true, typ: "uint256"},
		{raw: "-1", typ: "uint256"},
		{raw: 256, typ: "uint8"},
		{raw: "128", typ: "int8"},
		{raw: "-129", typ: "int8"},
		{raw: "1", typ: "uint7"},
	}
	for _, tc := range cases {
		_, err := Value(tc.raw, tc.typ)
		require.Errorf(t, err, "%v as %s", tc.raw, tc.typ)
		require.Equal(t, xerrors.CodeTypeMismatch, xerrors.CodeOf(err))
	}
}

func TestStringifiedAddressArrayMatchesRealList(t *testing.T) {
	list, err := Value([]any{wbnb, usdt}, "address[]")
	require.NoError(t, err)

	repaired, err := Value(`["`+wbnb+`","`+usdt+`"]`, "address[]")
	require.NoError(t, err)
	require.Equal(t, list, repaired)

	typed, err := Value([]string{wbnb, usdt}, "address[]")
	require.NoError(t, err)
	require.Equal(t, list, typed)
}

func TestArrayShapes(t *testing.T) {
	v, err := Value(`[[1,"2"],[3]]`, "uint256[][]")
	require.NoError(t, err)
	outer := v.([]any)
	require.Len(t, outer, 2)
	require.Equal(t, int64(2), outer[0].([]any)[1].(*big.Int).Int64())
	require.Equal(t, int64(3), outer[1].([]any)[0].(*big.Int).Int64())

	_, err = Value([]any{1, 2}, "uint8[3]")
	require.Error(t, err)

	_, err = Value(wbnb, "address[]")
	require.Error(t, err, "scalar is not a list")

	_, err = Value([]any{wbnb, "0x12"}, "address[]")
	require.Error(t, err)
	e, _ := xerrors.From(err)
	require.Equal(t, "[1]", e.Metadata()["element_path"])
}

func TestScalarKinds(t *testing.T) {
	v, err := Value(true, "bool")
	require.NoError(t, err)
	require.Equal(t, true, v)
	_, err = Value("true", "bool")
	require.Error(t, err, "only real booleans are accepted")

	_, err = Value(wbnb, "address")
	require.NoError(t, err)
	for _, bad := range []any{"0x1234", "bb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c", 12} {
		_, err = Value(bad, "address")
		require.Error(t, err)
	}

	for _, ok := range []string{"", "0x", "0xdeadbeef"} {
		_, err = Value(ok, "bytes")
		require.NoError(t, err, ok)
	}
	for _, bad := range []any{"0xabc", "deadbeef", 5} {
		_, err = Value(bad, "bytes")
		require.Error(t, err)
	}
	_, err = Value("0x"+strings.Repeat("ab", 32), "bytes32")
	require.NoError(t, err)
	_, err = Value("0x"+strings.Repeat("ab", 33), "bytes32")
	require.Error(t, err)
	_, err = Value("0x0102", "bytes4")
	require.NoError(t, err, "short fixed bytes are padded at encoding time")

	v, err = Value("hello", "string")
	require.NoError(t, err)
	require.Equal(t, "hello", v)
	_, err = Value(7, "string")
	require.Error(t, err)
}

func TestTuplePassthrough(t *testing.T) {
	record := map[string]any{"maker": wbnb, "amount": "1"}
	v, err := Value(record, "tuple")
	require.NoError(t, err)
	require.Equal(t, record, v)
}

func TestArgsReportsArgumentPosition(t *testing.T) {
	inputs := []export.Param{{Name: "spender", Type: "address"}, {Name: "amount", Type: "uint256"}}

	out, err := Args(inputs, []any{wbnb, "1000000000000000000"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	_, err = Args(inputs, []any{wbnb, 1.25})
	require.Error(t, err)
	e, ok := xerrors.From(err)
	require.True(t, ok)
	require.Equal(t, xerrors.CodeTypeMismatch, e.Code())
	md := e.Metadata()
	require.Equal(t, "1", md["argument_index"])
	require.Equal(t, "amount", md["argument_name"])
	require.Equal(t, "uint256", md["expected_type"])
	require.Contains(t, md["received"], "1.25")

	_, err = Args(inputs, []any{wbnb})
	require.Error(t, err)
	e, _ = xerrors.From(err)
	require.Equal(t, "missing", e.Metadata()["received"])
}
