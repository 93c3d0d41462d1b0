package draft

// Selection is a cursor-placement hint in rune offsets. Start == End is a bare
// caret position.
type Selection struct {
	Start int
	End   int
}

// PlaceCursor computes where the composer cursor should land after restoring a
// draft. Drafts generated from templates carry a bracketed placeholder like
// "order [quantity] pcs"; selecting that span prompts the user to fill it in.
// Without one, the cursor parks at the end of the text.
func PlaceCursor(text string) Selection {
	runes := []rune(text)
	start := -1
	for i, r := range runes {
		if r == '[' {
			start = i
			break
		}
	}
	if start >= 0 {
		for i := start + 1; i < len(runes); i++ {
			if runes[i] == ']' {
				return Selection{Start: start, End: i + 1}
			}
		}
	}
	n := len(runes)
	return Selection{Start: n, End: n}
}
