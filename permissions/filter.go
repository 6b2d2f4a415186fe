package permissions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/onnwee/chatbot/users"
)

// passes evaluates f against rec. Any error means the filter did not pass.
func (p *AttributeProvider) passes(ctx context.Context, f Filter, rec *users.Record) (bool, error) {
	if f.Type == AttrRanks {
		if f.Comparator != Equal {
			return false, fmt.Errorf("%w: ranks only supports ==, got %q", ErrInvalidFilter, f.Comparator)
		}
		rank, err := p.ranks.CurrentRank(ctx, rec)
		if err != nil {
			return false, fmt.Errorf("current rank of %s: %w", rec.UserID, err)
		}
		return rank != "" && strings.EqualFold(rank, strings.TrimSpace(f.Value)), nil
	}

	want, err := filterValue(f)
	if err != nil {
		return false, err
	}
	got, err := p.Value(ctx, rec, f.Type)
	if err != nil {
		return false, err
	}
	return compare(f.Comparator, got, want)
}

func filterValue(f Filter) (float64, error) {
	v := strings.TrimSpace(f.Value)
	if f.Type == AttrSubTier {
		if strings.EqualFold(v, "prime") {
			return 0, nil
		}
		return float64(users.TierValue(v)), nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q is not a number", ErrInvalidFilter, f.Type, f.Value)
	}
	return n, nil
}

func compare(c Comparator, got, want float64) (bool, error) {
	switch c {
	case Less:
		return got < want, nil
	case Greater:
		return got > want, nil
	case Equal:
		return got == want, nil
	case LessEqual:
		return got <= want, nil
	case GreaterEqual:
		return got >= want, nil
	default:
		return false, fmt.Errorf("%w: unknown comparator %q", ErrInvalidFilter, c)
	}
}
