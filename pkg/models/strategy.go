package models

import "fmt"

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyServer Strategy = "server"
	StrategyMerge  Strategy = "merge"
	StrategyCustom Strategy = "custom"
)

// ParseStrategy validates a raw strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyLocal, StrategyServer, StrategyMerge, StrategyCustom:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}
