// Package budget splits fixed integer budgets (tokens, comments) across the
// items of one batched request. Allocators are total functions: any input
// yields a well-defined allocation and leftovers are never redistributed.
package budget

// Defaults used by tool handlers when splitting provider budgets.
const (
	// DefaultTokenBudget is the total output-token budget shared by the
	// questions of one research request.
	DefaultTokenBudget = 32000

	// DefaultCommentBudget is the total comment budget shared by the posts
	// of one Reddit fetch.
	DefaultCommentBudget = 1000

	// CommentRequestCap is the per-request comment ceiling imposed by the
	// Reddit listing API.
	CommentRequestCap = 500
)

// TokenAllocation is an even split of a token budget across n items.
type TokenAllocation struct {
	// Total is the full budget, reported so formatters can display both.
	Total int
	// PerItem is the floor-divided share for each item.
	PerItem int
}

// Tokens splits total evenly across n items with floor division. PerItem is
// never negative; n of zero degenerates to the whole budget (callers must
// not iterate in that case).
func Tokens(total, n int) TokenAllocation {
	return TokenAllocation{
		Total:   total,
		PerItem: perItem(total, n),
	}
}

// CommentAllocation is an even split of a comment budget across n items,
// additionally capped by the provider's per-request ceiling.
type CommentAllocation struct {
	// Total is the full budget.
	Total int
	// PerItemUncapped is the raw floor-divided share, displayed for
	// user-facing accounting.
	PerItemUncapped int
	// PerItem is the share after applying the request cap; handlers use it
	// to parameterize the adapter call.
	PerItem int
}

// Comments splits total evenly across n items and caps each share at
// requestCap. A cap of zero or less means uncapped.
func Comments(total, n, requestCap int) CommentAllocation {
	uncapped := perItem(total, n)

	capped := uncapped
	if requestCap > 0 && capped > requestCap {
		capped = requestCap
	}

	return CommentAllocation{
		Total:           total,
		PerItemUncapped: uncapped,
		PerItem:         capped,
	}
}

func perItem(total, n int) int {
	if n < 1 {
		n = 1
	}
	share := total / n
	if share < 0 {
		share = 0
	}
	return share
}
