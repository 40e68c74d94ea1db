/*
earn.go - Free-point earn actions

PURPOSE:
  Maps user actions to default point awards and human descriptions, and
  exposes the Earn operation: a free-point credit through the ledger.

EARN IS NOT IDEMPOTENT:
  Earn is intentionally a plain credit. A retried Earn awards again;
  callers that retry must deduplicate on their side (e.g. one DAILY_LOGIN
  per day enforced by the caller that knows about logins).
*/
package points

import (
	"context"
	"fmt"
)

// =============================================================================
// EARN ACTIONS
// =============================================================================

type EarnAction string

const (
	EarnDailyLogin      EarnAction = "DAILY_LOGIN"
	EarnCompleteProfile EarnAction = "COMPLETE_PROFILE"
	EarnFirstGeneration EarnAction = "FIRST_GENERATION"
	EarnShareContent    EarnAction = "SHARE_CONTENT"
	EarnReferral        EarnAction = "REFERRAL"
	EarnWatchAd         EarnAction = "WATCH_AD"
	EarnCompleteTask    EarnAction = "COMPLETE_TASK"
	EarnAchievement     EarnAction = "ACHIEVEMENT"
	EarnBonus           EarnAction = "BONUS"
)

// defaultEarnAmounts is the award used when the caller does not override.
var defaultEarnAmounts = map[EarnAction]int64{
	EarnDailyLogin:      50,
	EarnCompleteProfile: 100,
	EarnFirstGeneration: 200,
	EarnShareContent:    25,
	EarnReferral:        500,
	EarnWatchAd:         10,
	EarnCompleteTask:    100,
	EarnAchievement:     150,
	EarnBonus:           50,
}

// EarnActionDescription renders the transaction description for an action,
// preferring metadata the caller supplied (task names, referred users).
func EarnActionDescription(action EarnAction, metadata map[string]string) string {
	switch action {
	case EarnDailyLogin:
		return "daily login bonus"
	case EarnCompleteProfile:
		return "completing your profile"
	case EarnFirstGeneration:
		return "your first AI generation"
	case EarnShareContent:
		return "sharing content"
	case EarnReferral:
		if who := metadata["referredUserId"]; who != "" {
			return fmt.Sprintf("referring %s", who)
		}
		return "referring a friend"
	case EarnWatchAd:
		return "watching an advertisement"
	case EarnCompleteTask:
		if name := metadata["taskName"]; name != "" {
			return name
		}
		return "completing a task"
	case EarnAchievement:
		if name := metadata["achievementName"]; name != "" {
			return name
		}
		return "unlocking an achievement"
	case EarnBonus:
		if reason := metadata["reason"]; reason != "" {
			return reason
		}
		return "bonus points"
	default:
		return string(action)
	}
}

// ValidEarnAction reports whether action is a known earn action.
func ValidEarnAction(action EarnAction) bool {
	_, ok := defaultEarnAmounts[action]
	return ok
}

// =============================================================================
// EARN OPERATION
// =============================================================================

// Earn credits free points for an action. amount <= 0 uses the action's
// default award. Returns the updated balance and the EARN transaction.
func (l *Ledger) Earn(ctx context.Context, userID UserID, action EarnAction, amount int64, metadata map[string]string) (*Balance, *Transaction, error) {
	if !ValidEarnAction(action) {
		return nil, nil, ErrInvalidArgument
	}
	if amount < 0 {
		return nil, nil, ErrInvalidArgument
	}
	if amount == 0 {
		amount = defaultEarnAmounts[action]
	}

	refID := metadata["taskId"]
	if refID == "" {
		refID = metadata["achievementId"]
	}

	return l.Apply(ctx, userID, PointFree, amount, TxMeta{
		Type:          TxEarn,
		Description:   EarnActionDescription(action, metadata),
		ReferenceType: string(action),
		ReferenceID:   refID,
		Metadata:      metadata,
	})
}
