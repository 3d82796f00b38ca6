package commands

import "strings"

// LinkKind names a link the agent can ask to text to the caller.
type LinkKind string

const (
	LinkMenuDay      LinkKind = "MENU_DAY"
	LinkMenuDinner   LinkKind = "MENU_DINNER"
	LinkMenuBeverage LinkKind = "MENU_BEVERAGE"
	LinkReservation  LinkKind = "RESERVATION"
	LinkOrdering     LinkKind = "ORDERING"
)

// AllLinkKinds lists the closed set in a stable order.
var AllLinkKinds = []LinkKind{
	LinkMenuDay,
	LinkMenuDinner,
	LinkMenuBeverage,
	LinkReservation,
	LinkOrdering,
}

// ParseLinkKind matches s against the closed set, ignoring case and spaces.
func ParseLinkKind(s string) (LinkKind, bool) {
	k := LinkKind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllLinkKinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// Grammar describes the token syntax for the agent's instructions.
func Grammar() string {
	kinds := make([]string, len(AllLinkKinds))
	for i, k := range AllLinkKinds {
		kinds[i] = string(k)
	}
	return "To look something up on the menu, write [[MENU_SEARCH: <what the caller asked about>]] in your text output and wait for the results before answering. " +
		"To text the caller a link, write [[SEND:<KIND>]] where KIND is one of " + strings.Join(kinds, ", ") + ". " +
		"Never say these tokens out loud."
}
