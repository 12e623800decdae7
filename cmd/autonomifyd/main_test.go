package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallFlagsReadsFlagOrStdin(t *testing.T) {
	f := callFlags{call: `{"contractAddress":"0x1","functionName":"balanceOf","args":{"account":"0x2"}}`}
	call, err := f.read(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, "balanceOf", call.FunctionName)

	f = callFlags{call: "-"}
	call, err = f.read(strings.NewReader(`{"contractAddress":"0x1","functionName":"totalSupply"}`))
	require.NoError(t, err)
	require.Equal(t, "totalSupply", call.FunctionName)

	_, err = (&callFlags{call: "{"}).read(strings.NewReader(""))
	require.Error(t, err)
}

func TestExportBuildRequiresContract(t *testing.T) {
	cmd := exportBuildCmd()
	require.NotNil(t, cmd.Flags().Lookup("chain-id"))
	cmd.SetArgs([]string{"--chain-id", "97"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	require.Error(t, cmd.Execute())
}
