package statemachine

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sufrah/wa-gateway/models"
)

// fold is a unicode-aware caseless-matching fold, used instead of
// strings.ToLower for anything a customer might have typed — tenant
// menu and branch names are as likely to carry Arabic script as
// Latin, and a plain byte-wise ToLower silently mismatches non-ASCII
// input that's otherwise an exact customer intent match.
var fold = cases.Fold()

// buttonID extracts the reserved-button-ID payload of a button-kind
// message, if any.
func buttonID(msg *models.Message) (string, bool) {
	if len(msg.ButtonJSON) == 0 {
		return "", false
	}
	var b models.ButtonPayload
	if err := json.Unmarshal(msg.ButtonJSON, &b); err != nil || b.ID == "" {
		return "", false
	}
	return b.ID, true
}

// inputToken normalizes an inbound message into a dispatch token
// (lowercased, trimmed — a button ID verbatim when present, otherwise
// the free-text body) and the raw free text, for handlers that need to
// fall back to substring/name matching.
func inputToken(msg *models.Message) (token, text string) {
	text = strings.TrimSpace(msg.Body)
	if id, ok := buttonID(msg); ok {
		return fold.String(strings.TrimSpace(id)), text
	}
	return fold.String(text), text
}

func parseQuantity(token string) (int, bool) {
	token = strings.TrimPrefix(token, "qty_")
	n, err := strconv.Atoi(strings.TrimSpace(token))
	if err != nil {
		return 0, false
	}
	return n, true
}

func formatBranches(branches []BranchOption) string {
	var sb strings.Builder
	for i, b := range branches {
		sb.WriteString(strconv.Itoa(i+1) + ". " + b.Name)
		if b.Address != "" {
			sb.WriteString(" - " + b.Address)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatCategories(cats []CategoryOption) string {
	var sb strings.Builder
	for i, c := range cats {
		sb.WriteString(strconv.Itoa(i+1) + ". " + c.Name + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatItems(items []ItemOption) string {
	var sb strings.Builder
	for i, it := range items {
		sb.WriteString(strconv.Itoa(i+1) + ". " + it.Name + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatCart(flow FlowData) string {
	var sb strings.Builder
	for i, c := range flow.Cart {
		sb.WriteString(strconv.Itoa(i+1) + ". " + c.Name + " x" + strconv.Itoa(c.Quantity) + "\n")
	}
	if len(flow.Cart) == 0 {
		return ""
	}
	return strings.TrimRight(sb.String(), "\n")
}

// resolveBranch applies the tie-break rule of spec.md §4.9: an
// explicit "branch_<id>" ID prefix always wins over ordinal/name
// matching.
func resolveBranch(branches []BranchOption, token, text string) *BranchOption {
	if strings.HasPrefix(token, "branch_") {
		id := strings.TrimPrefix(token, "branch_")
		for i := range branches {
			if branches[i].ID == id {
				return &branches[i]
			}
		}
	}
	if n, err := strconv.Atoi(token); err == nil {
		if n >= 1 && n <= len(branches) {
			return &branches[n-1]
		}
	}
	lower := fold.String(text)
	for i := range branches {
		if strings.EqualFold(branches[i].Name, text) || strings.Contains(fold.String(branches[i].Name), lower) {
			return &branches[i]
		}
	}
	return nil
}

func resolveCategory(cats []CategoryOption, token, text string) string {
	if strings.HasPrefix(token, "cat_") {
		id := strings.TrimPrefix(token, "cat_")
		for _, c := range cats {
			if c.ID == id {
				return c.ID
			}
		}
	}
	if n, err := strconv.Atoi(token); err == nil {
		if n >= 1 && n <= len(cats) {
			return cats[n-1].ID
		}
	}
	lower := fold.String(text)
	for _, c := range cats {
		if strings.EqualFold(c.Name, text) || strings.Contains(fold.String(c.Name), lower) {
			return c.ID
		}
	}
	return ""
}

func resolveItem(items []ItemOption, token, text string) *ItemOption {
	if strings.HasPrefix(token, "item_") {
		id := strings.TrimPrefix(token, "item_")
		for i := range items {
			if items[i].ID == id {
				return &items[i]
			}
		}
	}
	if n, err := strconv.Atoi(token); err == nil {
		if n >= 1 && n <= len(items) {
			return &items[n-1]
		}
	}
	lower := fold.String(text)
	for i := range items {
		if strings.EqualFold(items[i].Name, text) || strings.Contains(fold.String(items[i].Name), lower) {
			return &items[i]
		}
	}
	return nil
}

// resolveRemoval applies spec.md §4.9's removal precedence: by index,
// then exact name, then substring.
func resolveRemoval(cart []CartItem, token, text string) int {
	if strings.HasPrefix(token, "remove_item_") {
		id := strings.TrimPrefix(token, "remove_item_")
		for i, c := range cart {
			if c.ItemID == id {
				return i
			}
		}
	}
	if n, err := strconv.Atoi(token); err == nil {
		if n >= 1 && n <= len(cart) {
			return n - 1
		}
	}
	for i, c := range cart {
		if strings.EqualFold(c.Name, text) {
			return i
		}
	}
	lower := fold.String(text)
	for i, c := range cart {
		if strings.Contains(fold.String(c.Name), lower) {
			return i
		}
	}
	return -1
}
