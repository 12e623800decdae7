package resolver

import "strings"

// Kind is the closed set of contract families recognised from a function-name set.
type Kind int

const (
	KindUnknown Kind = iota
	KindERC20
	KindERC721
	KindDEXRouter
	KindStaking
)

func (k Kind) String() string {
	switch k {
	case KindERC20:
		return "ERC20"
	case KindERC721:
		return "ERC721"
	case KindDEXRouter:
		return "DEXRouter"
	case KindStaking:
		return "Staking"
	default:
		return "Unknown"
	}
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Classify derives the contract kind from its function names. ERC721 is tested
// before ERC20 because both expose balanceOf and approve.
func Classify(names []string) Kind {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	has := func(n string) bool { _, ok := set[n]; return ok }
	count := func(ns ...string) int {
		c := 0
		for _, n := range ns {
			if has(n) {
				c++
			}
		}
		return c
	}

	switch {
	case has("ownerOf") && (has("safeTransferFrom") || has("setApprovalForAll")):
		return KindERC721
	case count("getAmountsOut", "getAmountsIn", "addLiquidity", "removeLiquidity", "factory") >= 2 || hasSwap(set):
		return KindDEXRouter
	case count("transfer", "approve", "balanceOf", "totalSupply", "allowance", "transferFrom") >= 4:
		return KindERC20
	case has("stake") || (count("withdraw", "getReward", "earned", "rewardRate", "claim", "unstake") >= 2 && has("balanceOf")):
		return KindStaking
	default:
		return KindUnknown
	}
}

func hasSwap(set map[string]struct{}) bool {
	for n := range set {
		if strings.HasPrefix(n, "swapExact") || strings.HasPrefix(n, "swapTokensFor") || strings.HasPrefix(n, "swapETHFor") {
			return true
		}
	}
	return false
}
